package connector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/jmxscraper/internal/metrics"
	"github.com/jmerrifield20/jmxscraper/internal/registry"
	"github.com/jmerrifield20/jmxscraper/pkg/remote"
	"github.com/jmerrifield20/jmxscraper/pkg/serviceurl"
)

const (
	strategyDirect      = "direct"
	strategySSLRegistry = "ssl_registry"
)

// Connect establishes a connection using the configured strategy. The
// returned handle belongs to the caller, who must Close it.
func (c *Connector) Connect(ctx context.Context) (remote.Handle, error) {
	env := c.Environment()
	if c.cfg.SSLRegistry {
		return c.connectSecureRegistry(ctx, env)
	}
	return c.connectDirect(ctx, env)
}

func (c *Connector) connectDirect(ctx context.Context, env remote.Environment) (remote.Handle, error) {
	start := time.Now()
	host, port := c.cfg.Target.Target()

	h, err := c.transport.ConnectDirect(ctx, c.cfg.Target, env)
	if err != nil {
		c.release(h)
		metrics.RecordConnect(strategyDirect, result(err), time.Since(start))
		if uce, ok := unsupportedChallenge(err); ok {
			return nil, uce
		}
		return nil, &ConnectionError{Host: host, Port: port, Err: err}
	}

	metrics.RecordConnect(strategyDirect, "ok", time.Since(start))
	c.logger.Debug("connected",
		zap.String("strategy", strategyDirect),
		zap.String("url", c.cfg.Target.String()),
		zap.String("connection_id", h.ID()),
	)
	return h, nil
}

func (c *Connector) connectSecureRegistry(ctx context.Context, env remote.Environment) (remote.Handle, error) {
	start := time.Now()
	fail := func(r string, err error) error {
		metrics.RecordConnect(strategySSLRegistry, r, time.Since(start))
		return err
	}

	// Validated in New.
	host, port, _ := c.cfg.Target.RegistryAddress()

	factory := c.secureFactory
	if factory == nil {
		f, err := registry.SecureFactory()
		if err != nil {
			return nil, fail("error", &ConnectionError{Host: host, Port: port, Err: err})
		}
		factory = f
	}

	stub, err := c.directory.Lookup(ctx, host, port, factory, serviceurl.DefaultRegistryName)
	if err != nil {
		return nil, fail(result(err), &ConnectionError{Host: host, Port: port, Err: err})
	}

	h, err := c.transport.ConnectViaStub(ctx, stub, env)
	if err != nil {
		c.release(h)
		if uce, ok := unsupportedChallenge(err); ok {
			return nil, fail(result(err), uce)
		}
		return nil, fail(result(err), &FatalConnectionError{URL: c.cfg.Target.String(), Err: err})
	}

	metrics.RecordConnect(strategySSLRegistry, "ok", time.Since(start))
	c.logger.Debug("connected",
		zap.String("strategy", strategySSLRegistry),
		zap.String("registry", stub.Name),
		zap.String("address", stub.Address),
		zap.String("connection_id", h.ID()),
	)
	return h, nil
}

// release closes a handle returned alongside an error.
func (c *Connector) release(h remote.Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		c.logger.Debug("close after failed connect", zap.Error(err))
	}
}

func result(err error) string {
	switch {
	case errors.Is(err, remote.ErrNotBound):
		return "not_bound"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}
	if _, ok := unsupportedChallenge(err); ok {
		return "unsupported_challenge"
	}
	return "error"
}
