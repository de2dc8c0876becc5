package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmerrifield20/jmxscraper/internal/metrics"
	"github.com/jmerrifield20/jmxscraper/internal/registry"
	"github.com/jmerrifield20/jmxscraper/pkg/remote"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
	"github.com/jmerrifield20/jmxscraper/pkg/serviceurl"
)

// ErrNoToken is returned when the server completes a handshake without
// issuing a session token.
var ErrNoToken = errors.New("server did not issue a session token")

// Directory resolves registry names to stubs.
type Directory interface {
	Lookup(ctx context.Context, host string, port int, factory remote.ClientFactory, name string) (remote.Stub, error)
}

// Factory opens management connections. The zero value is not usable; call
// NewFactory.
type Factory struct {
	directory Directory
	providers *sasl.Registry
	tlsConfig *tls.Config
	dialOpts  []grpc.DialOption
	logger    *zap.Logger
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithDirectory sets the registry client used for compound service URLs.
func WithDirectory(d Directory) Option {
	return func(f *Factory) { f.directory = d }
}

// WithProviders sets the provider registry consulted for challenges.
func WithProviders(r *sasl.Registry) Option {
	return func(f *Factory) { f.providers = r }
}

// WithTLSConfig sets the TLS configuration used for stubs that require TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(f *Factory) { f.tlsConfig = cfg }
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(f *Factory) { f.dialOpts = append(f.dialOpts, opts...) }
}

// NewFactory creates a Factory. Without options it resolves compound URLs
// through a plain registry client and answers challenges with the providers
// installed in sasl.Default.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{logger: zap.NewNop(), providers: sasl.Default}
	for _, o := range opts {
		o(f)
	}
	if f.directory == nil {
		f.directory = registry.NewClient(f.logger)
	}
	return f
}

// ConnectDirect connects to the service named by u. A compound URL
// (/jndi/... path) is first resolved through the plain registry it embeds.
func (f *Factory) ConnectDirect(ctx context.Context, u *serviceurl.URL, env remote.Environment) (remote.Handle, error) {
	if u.IsRegistryPath() {
		host, port, err := u.RegistryAddress()
		if err != nil {
			return nil, err
		}
		stub, err := f.directory.Lookup(ctx, host, port, registry.PlainFactory(), u.RegistryName())
		if err != nil {
			return nil, fmt.Errorf("registry lookup: %w", err)
		}
		return f.ConnectViaStub(ctx, stub, env)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("service URL %s names no host", u)
	}
	return f.ConnectViaStub(ctx, remote.Stub{Address: net.JoinHostPort(u.Host, strconv.Itoa(u.Port))}, env)
}

// ConnectViaStub dials the service a stub points to and authenticates.
// The returned handle is a *Conn.
func (f *Factory) ConnectViaStub(ctx context.Context, stub remote.Stub, env remote.Environment) (remote.Handle, error) {
	if stub.Address == "" {
		return nil, fmt.Errorf("stub %q has no address", stub.Name)
	}

	creds := insecure.NewCredentials()
	if stub.TLS {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if f.tlsConfig != nil {
			cfg = f.tlsConfig.Clone()
		}
		creds = credentials.NewTLS(cfg)
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, f.dialOpts...)

	cc, err := grpc.NewClient(stub.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", stub.Address, err)
	}

	conn := &Conn{cc: cc, address: stub.Address, logger: f.logger}
	if err := conn.handshake(ctx, env, f.providers); err != nil {
		_ = cc.Close()
		return nil, err
	}

	metrics.ConnectionOpened()
	f.logger.Debug("management connection open",
		zap.String("address", stub.Address),
		zap.String("connection_id", conn.id),
		zap.Bool("tls", stub.TLS),
	)
	return conn, nil
}

func (c *Conn) handshake(ctx context.Context, env remote.Environment, providers *sasl.Registry) error {
	req := map[string]any{
		fieldProfile:    env.Profile(),
		fieldMechanisms: anyStrings(providers.Mechanisms()),
	}
	if cred, ok := env.Credentials(); ok {
		req[fieldUsername] = cred.Username
		// A challenge profile proves the secret instead of sending it.
		if !strings.HasPrefix(env.Profile(), ProfilePrefix) {
			req[fieldPassword] = cred.Password
		}
	}

	out, err := c.invoke(ctx, methodOpen, req)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	c.id = stringField(out, fieldConnectionID)
	c.token = stringField(out, fieldToken)

	if chv, ok := out.GetFields()[fieldChallenge]; ok {
		ch, err := decodeChallenge(chv.GetStructValue())
		if err != nil {
			return fmt.Errorf("decode challenge: %w", err)
		}
		p, ok := providers.ForMechanism(ch.Mechanism)
		if !ok {
			return fmt.Errorf("no installed provider for mechanism %q", ch.Mechanism)
		}
		h, _ := env[remote.EnvCallbackHandler].(sasl.CallbackHandler)
		resp, err := p.Respond(ch, h)
		if err != nil {
			// *sasl.UnsupportedChallengeError reaches the caller as-is.
			return err
		}

		out, err = c.invoke(ctx, methodAuthenticate, map[string]any{
			fieldConnectionID: c.id,
			fieldIdentity:     resp.Identity,
			fieldRealm:        resp.Realm,
			fieldProof:        base64.StdEncoding.EncodeToString(resp.Proof),
		})
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		c.token = stringField(out, fieldToken)
	}

	if c.token == "" {
		return ErrNoToken
	}
	return nil
}

func (c *Conn) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
