// Package health probes the management endpoints leased in the registry and
// unbinds the ones that stop answering, so lookups never hand out a stub
// whose agent has gone away. Permanent bindings are left alone.
package health

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/jmxscraper/internal/metrics"
	"github.com/jmerrifield20/jmxscraper/pkg/remote"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
	// Service is the gRPC health service name queried on each stub.
	Service string
	// TLSConfig is used for stubs that require TLS. Nil trusts the system roots.
	TLSConfig *tls.Config
}

// StubLister returns the live leased registry bindings keyed by name.
// Permanent bindings are never probed.
type StubLister interface {
	LeasedStubs() map[string]remote.Stub
}

// Unbinder removes a registry binding.
type Unbinder interface {
	Unbind(name string) bool
}

// Checker runs periodic health probes against bound stubs.
type Checker struct {
	lister     StubLister
	unbinder   Unbinder
	failCounts map[string]int
	mu         sync.Mutex
	cfg        Config
	logger     *zap.Logger
}

// New creates a Checker.
func New(lister StubLister, unbinder Unbinder, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		lister:     lister,
		unbinder:   unbinder,
		failCounts: make(map[string]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every leased stub with bounded concurrency. A stub that
// fails FailThreshold consecutive probes is unbound.
func (h *Checker) CheckAll(ctx context.Context) {
	stubs := h.lister.LeasedStubs()

	h.mu.Lock()
	for name := range h.failCounts {
		if _, ok := stubs[name]; !ok {
			delete(h.failCounts, name)
		}
	}
	h.mu.Unlock()

	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for name, stub := range stubs {
		wg.Add(1)
		go func(name string, stub remote.Stub) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			success := h.probe(ctx, stub)
			metrics.RecordStubProbe(success)

			h.mu.Lock()
			prev := h.failCounts[name]
			if success {
				delete(h.failCounts, name)
			} else {
				h.failCounts[name]++
			}
			count := h.failCounts[name]
			if count >= h.cfg.FailThreshold {
				delete(h.failCounts, name)
			}
			h.mu.Unlock()

			switch {
			case success && prev > 0:
				h.logger.Info("health: recovered", zap.String("name", name), zap.String("address", stub.Address))
			case count >= h.cfg.FailThreshold:
				h.unbinder.Unbind(name)
				h.logger.Warn("health: unbound unresponsive stub",
					zap.String("name", name),
					zap.String("address", stub.Address),
					zap.Int("fail_count", count),
				)
			case !success:
				h.logger.Debug("health: probe failed", zap.String("name", name), zap.Int("fail_count", count))
			}
		}(name, stub)
	}

	wg.Wait()
}

// Failures returns the current consecutive failure count for name.
func (h *Checker) Failures(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failCounts[name]
}

// probe reports whether the stub's health service answers SERVING.
func (h *Checker) probe(ctx context.Context, stub remote.Stub) bool {
	creds := insecure.NewCredentials()
	if stub.TLS {
		cfg := h.cfg.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(cfg)
	}

	cc, err := grpc.NewClient(stub.Address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return false
	}
	defer cc.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(cc).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: h.cfg.Service})
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}
