package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/jmxscraper/internal/health"
	"github.com/jmerrifield20/jmxscraper/internal/identity"
	"github.com/jmerrifield20/jmxscraper/internal/metrics"
	"github.com/jmerrifield20/jmxscraper/internal/registry"
	"github.com/jmerrifield20/jmxscraper/internal/transport"
	"github.com/jmerrifield20/jmxscraper/pkg/remote"
	"github.com/jmerrifield20/jmxscraper/pkg/serviceurl"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("mgmtd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	viper.SetConfigName("mgmtd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("mgmtd.registry_port", serviceurl.DefaultRegistryPort)
	viper.SetDefault("mgmtd.grpc_port", 9010)
	viper.SetDefault("mgmtd.advertise_host", "localhost")
	viper.SetDefault("mgmtd.registry_tls", false)
	viper.SetDefault("mgmtd.grpc_tls", false)
	viper.SetDefault("mgmtd.cert_dir", "certs")
	viper.SetDefault("mgmtd.ca.common_name", "")
	viper.SetDefault("mgmtd.ca.key_bits", 3072)
	viper.SetDefault("mgmtd.ca.validity_days", 5*365)
	viper.SetDefault("mgmtd.users_file", "")
	viper.SetDefault("mgmtd.realm", "")
	viper.SetDefault("mgmtd.token_ttl_seconds", 8*60*60)
	viper.SetDefault("mgmtd.lease_ttl_seconds", 0)
	viper.SetDefault("mgmtd.eviction_interval_seconds", 60)
	viper.SetDefault("mgmtd.probe_interval_seconds", 30)
	viper.SetDefault("mgmtd.probe_fail_threshold", 3)
	viper.SetDefault("mgmtd.rate_limit_rps", 20)
	viper.SetDefault("mgmtd.rate_limit_burst", 40)
	viper.SetDefault("mgmtd.open_rps", 5)
	viper.SetDefault("mgmtd.open_burst", 10)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	registryPort := viper.GetInt("mgmtd.registry_port")
	grpcPort := viper.GetInt("mgmtd.grpc_port")
	advertiseHost := viper.GetString("mgmtd.advertise_host")
	registryTLS := viper.GetBool("mgmtd.registry_tls")
	grpcTLS := viper.GetBool("mgmtd.grpc_tls")
	leaseTTL := time.Duration(viper.GetInt("mgmtd.lease_ttl_seconds")) * time.Second

	// ── Identity ──────────────────────────────────────────────────────────────
	ca := identity.NewCAManager(identity.CAConfig{
		Dir:        viper.GetString("mgmtd.cert_dir"),
		CommonName: viper.GetString("mgmtd.ca.common_name"),
		KeyBits:    viper.GetInt("mgmtd.ca.key_bits"),
		Validity:   time.Duration(viper.GetInt("mgmtd.ca.validity_days")) * 24 * time.Hour,
	})
	if err := ca.LoadOrCreate(); err != nil {
		return fmt.Errorf("CA: %w", err)
	}
	tokens := identity.NewTokenIssuer(ca.Key(),
		net.JoinHostPort(advertiseHost, strconv.Itoa(grpcPort)),
		time.Duration(viper.GetInt("mgmtd.token_ttl_seconds"))*time.Second,
	)

	var serverTLS *tls.Config
	if registryTLS || grpcTLS {
		ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
		if ip := net.ParseIP(advertiseHost); ip != nil {
			ips = append(ips, ip)
		}
		issued, err := identity.NewIssuer(ca).IssueServerCert([]string{advertiseHost, "localhost"}, ips, 0)
		if err != nil {
			return fmt.Errorf("issue server certificate: %w", err)
		}
		cert, err := issued.TLSCertificate()
		if err != nil {
			return fmt.Errorf("load server certificate: %w", err)
		}
		serverTLS = ca.ServerTLSConfig(cert)
		logger.Info("TLS enabled; clients should trust the agent CA",
			zap.String("ca", ca.CertPath()),
			zap.String("env", registry.CAFileEnv),
			zap.String("serial", issued.Serial),
		)
	}

	users := identity.NewUserStore(viper.GetString("mgmtd.users_file"), logger)
	if err := users.Load(); err != nil {
		return fmt.Errorf("users: %w", err)
	}
	if !users.Enabled() {
		logger.Warn("no users configured; authentication is disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if viper.GetString("mgmtd.users_file") != "" {
		go func() {
			if err := users.Watch(ctx); err != nil {
				logger.Error("users watch stopped", zap.Error(err))
			}
		}()
	}

	// ── gRPC management server ────────────────────────────────────────────────
	mgmt := transport.NewServer(transport.ServerConfig{
		Realm:     viper.GetString("mgmtd.realm"),
		OpenRPS:   viper.GetInt("mgmtd.open_rps"),
		OpenBurst: viper.GetInt("mgmtd.open_burst"),
	}, users, tokens, nil, logger)

	grpcOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger), mgmt.UnaryInterceptor()),
	}
	if grpcTLS {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(serverTLS)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	mgmt.Register(grpcServer)

	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(transport.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := registry.NewServer(registry.ServerConfig{
		RateLimitRPS:   viper.GetInt("mgmtd.rate_limit_rps"),
		RateLimitBurst: viper.GetInt("mgmtd.rate_limit_burst"),
	}, logger)

	stub := remote.Stub{
		Name:    serviceurl.DefaultRegistryName,
		Address: net.JoinHostPort(advertiseHost, strconv.Itoa(grpcPort)),
		TLS:     grpcTLS,
	}
	reg.Bind(stub.Name, stub, leaseTTL)
	if leaseTTL > 0 {
		go renewBinding(ctx, reg, stub, leaseTTL)
	}
	reg.StartLeaseEviction(ctx, time.Duration(viper.GetInt("mgmtd.eviction_interval_seconds"))*time.Second)

	if interval := viper.GetInt("mgmtd.probe_interval_seconds"); interval > 0 {
		checker := health.New(reg, reg, health.Config{
			CheckInterval: time.Duration(interval) * time.Second,
			FailThreshold: viper.GetInt("mgmtd.probe_fail_threshold"),
			Service:       transport.ServiceName,
			TLSConfig:     ca.ClientTLSConfig(),
		}, logger)
		go checker.Start(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	router := reg.Router()
	router.GET("/metrics", metrics.GinHandler())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "mgmtd",
			"users":    users.Len(),
			"sessions": mgmt.Sessions(),
		})
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", registryPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if registryTLS {
		httpSrv.TLSConfig = serverTLS
	}

	// ── Start both servers ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("management gRPC listening",
			zap.Int("port", grpcPort),
			zap.Bool("tls", grpcTLS),
			zap.Bool("auth", users.Enabled()),
		)
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		url, _ := serviceurl.FromHostPort(advertiseHost, registryPort)
		logger.Info("registry listening",
			zap.Int("port", registryPort),
			zap.Bool("tls", registryTLS),
			zap.Stringer("service_url", url),
		)
		var err error
		if registryTLS {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("registry serve error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down mgmtd...")
	cancel()

	healthSvc.Shutdown()
	grpcServer.GracefulStop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("registry shutdown", zap.Error(err))
	}

	logger.Info("mgmtd stopped")
	return nil
}

// renewBinding re-binds stub at half its lease until ctx is cancelled.
func renewBinding(ctx context.Context, reg *registry.Server, stub remote.Stub, ttl time.Duration) {
	t := time.NewTicker(ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			reg.Unbind(stub.Name)
			return
		case <-t.C:
			reg.Bind(stub.Name, stub, ttl)
		}
	}
}

// loggingInterceptor logs each unary call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
