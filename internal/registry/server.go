package registry

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jmxscraper/internal/metrics"
	"github.com/jmerrifield20/jmxscraper/internal/ratelimit"
	"github.com/jmerrifield20/jmxscraper/pkg/remote"
)

// ServerConfig holds registry server configuration.
type ServerConfig struct {
	RateLimitRPS   int // per client IP; 0 disables limiting
	RateLimitBurst int
}

// Server is the registry HTTP service. Lookups are public; bind and unbind
// are only accepted from loopback clients.
type Server struct {
	bindings *bindingTable
	limiter  *ratelimit.Set
	logger   *zap.Logger
}

// NewServer creates a registry Server.
func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		bindings: newBindingTable(),
		limiter:  ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:   logger,
	}
}

// Bind binds stub under name. ttl 0 binds permanently.
func (s *Server) Bind(name string, stub remote.Stub, ttl time.Duration) {
	if stub.Name == "" {
		stub.Name = name
	}
	s.bindings.set(name, stub, ttl)
	metrics.SetBindings(s.bindings.len())
	s.logger.Info("bound", zap.String("name", name), zap.String("address", stub.Address), zap.Duration("ttl", ttl))
}

// Unbind removes name and reports whether it was bound.
func (s *Server) Unbind(name string) bool {
	ok := s.bindings.remove(name)
	metrics.SetBindings(s.bindings.len())
	return ok
}

// Lookup returns the stub bound under name.
func (s *Server) Lookup(name string) (remote.Stub, bool) {
	return s.bindings.get(name)
}

// LeasedStubs returns the live leased bindings keyed by name.
func (s *Server) LeasedStubs() map[string]remote.Stub {
	return s.bindings.leased()
}

// StartLeaseEviction starts a background goroutine that periodically evicts
// expired leases until ctx is cancelled.
func (s *Server) StartLeaseEviction(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.bindings.evict(); n > 0 {
					metrics.SetBindings(s.bindings.len())
					s.logger.Debug("lease eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// Router builds the Gin engine serving the registry API.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), metrics.GinMiddleware(), s.rateLimit())

	r.GET("/registry", s.list)
	r.GET("/registry/:name", s.lookup)
	r.PUT("/registry/:name", s.localOnly(), s.bind)
	r.DELETE("/registry/:name", s.localOnly(), s.unbind)
	return r
}

// lookup handles GET /registry/:name.
func (s *Server) lookup(c *gin.Context) {
	name := c.Param("name")
	stub, ok := s.bindings.get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not bound", "name": name})
		return
	}
	c.JSON(http.StatusOK, lookupResponse{Name: name, Address: stub.Address, TLS: stub.TLS})
}

// list handles GET /registry.
func (s *Server) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"names": s.bindings.names()})
}

// bindRequest is the body of PUT /registry/:name.
type bindRequest struct {
	Address    string `json:"address" binding:"required"`
	TLS        bool   `json:"tls"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// bind handles PUT /registry/:name.
func (s *Server) bind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, _, err := net.SplitHostPort(req.Address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be host:port"})
		return
	}
	if req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must not be negative"})
		return
	}

	name := c.Param("name")
	s.Bind(name, remote.Stub{Name: name, Address: req.Address, TLS: req.TLS}, time.Duration(req.TTLSeconds)*time.Second)
	c.JSON(http.StatusOK, lookupResponse{Name: name, Address: req.Address, TLS: req.TLS})
}

// unbind handles DELETE /registry/:name.
func (s *Server) unbind(c *gin.Context) {
	if !s.Unbind(c.Param("name")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not bound"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// localOnly rejects mutations from non-loopback peers.
func (s *Server) localOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "registry mutations are only accepted from the local host",
			})
			return
		}
		c.Next()
	}
}
