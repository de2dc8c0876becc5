package connector

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/jmerrifield20/jmxscraper/internal/registry"
	"github.com/jmerrifield20/jmxscraper/internal/transport"
	"github.com/jmerrifield20/jmxscraper/pkg/remote"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
	"github.com/jmerrifield20/jmxscraper/pkg/serviceurl"
)

// Config is the immutable description of one connection attempt. Empty
// strings mean "not configured".
type Config struct {
	Target      *serviceurl.URL
	Username    string
	Password    string
	Profile     string
	Realm       string
	SSLRegistry bool
}

// HasCredentials reports whether both halves of the credential pair are set.
func (c Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// TransportFactory opens management connections.
type TransportFactory interface {
	ConnectDirect(ctx context.Context, u *serviceurl.URL, env remote.Environment) (remote.Handle, error)
	ConnectViaStub(ctx context.Context, stub remote.Stub, env remote.Environment) (remote.Handle, error)
}

// DirectoryClient resolves names in a registry. A name that is not bound is
// reported with an error wrapping remote.ErrNotBound.
type DirectoryClient interface {
	Lookup(ctx context.Context, host string, port int, factory remote.ClientFactory, name string) (remote.Stub, error)
}

// ProviderRegistry is the process-wide set of challenge-response providers.
type ProviderRegistry interface {
	Available(name string) bool
	Install(name string) (sasl.Provider, error)
}

// Connector establishes management connections for one Config.
type Connector struct {
	cfg Config

	transport     TransportFactory
	directory     DirectoryClient
	secureFactory remote.ClientFactory
	providers     ProviderRegistry
	logger        *zap.Logger
}

// Option is a functional option for configuring a Connector.
type Option func(*Connector) error

// WithUser sets the username. It is only sent together with a password.
func WithUser(user string) Option {
	return func(c *Connector) error {
		c.cfg.Username = user
		return nil
	}
}

// WithPassword sets the password. It is only sent together with a username.
func WithPassword(password string) Option {
	return func(c *Connector) error {
		c.cfg.Password = password
		return nil
	}
}

// WithRemoteProfile sets the security profile passed to the transport, e.g.
// "SASL/DIGEST-SHA256".
func WithRemoteProfile(profile string) Option {
	return func(c *Connector) error {
		c.cfg.Profile = profile
		return nil
	}
}

// WithRealm sets the realm answered during challenge-response authentication.
func WithRealm(realm string) Option {
	return func(c *Connector) error {
		c.cfg.Realm = realm
		return nil
	}
}

// WithSSLRegistry selects the secure-registry strategy.
func WithSSLRegistry(enabled bool) Option {
	return func(c *Connector) error {
		c.cfg.SSLRegistry = enabled
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connector) error {
		if l == nil {
			return errors.New("logger must not be nil")
		}
		c.logger = l
		return nil
	}
}

// WithTransport replaces the gRPC management transport.
func WithTransport(t TransportFactory) Option {
	return func(c *Connector) error {
		c.transport = t
		return nil
	}
}

// WithDirectory replaces the registry client used by the secure strategy.
func WithDirectory(d DirectoryClient) Option {
	return func(c *Connector) error {
		c.directory = d
		return nil
	}
}

// WithSecureClientFactory replaces the shared TLS registry client factory.
func WithSecureClientFactory(f remote.ClientFactory) Option {
	return func(c *Connector) error {
		c.secureFactory = f
		return nil
	}
}

// WithProviders replaces sasl.Default.
func WithProviders(p ProviderRegistry) Option {
	return func(c *Connector) error {
		c.providers = p
		return nil
	}
}

// ForHostPort configures a connector for the canonical service URL of
// host:port.
func ForHostPort(host string, port int, opts ...Option) (*Connector, error) {
	u, err := serviceurl.FromHostPort(host, port)
	if err != nil {
		return nil, &ConfigurationError{Input: host + ":" + strconv.Itoa(port), Err: err}
	}
	return New(Config{Target: u}, opts...)
}

// ForURL configures a connector for a literal service URL.
func ForURL(raw string, opts ...Option) (*Connector, error) {
	u, err := serviceurl.Parse(raw)
	if err != nil {
		return nil, &ConfigurationError{Input: raw, Err: err}
	}
	return New(Config{Target: u}, opts...)
}

// New creates a connector from cfg, then applies opts.
func New(cfg Config, opts ...Option) (*Connector, error) {
	if cfg.Target == nil {
		return nil, &ConfigurationError{Err: errors.New("no target")}
	}
	target := *cfg.Target
	cfg.Target = &target

	c := &Connector{cfg: cfg, logger: zap.NewNop()}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	if c.cfg.SSLRegistry {
		// The registry address is needed before any I/O happens.
		if _, _, err := c.cfg.Target.RegistryAddress(); err != nil {
			return nil, &ConfigurationError{Input: c.cfg.Target.String(), Err: err}
		}
	}

	if c.providers == nil {
		c.providers = sasl.Default
	}
	if c.directory == nil {
		c.directory = registry.NewClient(c.logger)
	}
	if c.transport == nil {
		topts := []transport.Option{transport.WithLogger(c.logger), transport.WithDirectory(c.directory)}
		if reg, ok := c.providers.(*sasl.Registry); ok {
			topts = append(topts, transport.WithProviders(reg))
		}
		c.transport = transport.NewFactory(topts...)
	}
	return c, nil
}

// Config returns a copy of the connector's configuration.
func (c *Connector) Config() Config {
	cfg := c.cfg
	target := *c.cfg.Target
	cfg.Target = &target
	return cfg
}
