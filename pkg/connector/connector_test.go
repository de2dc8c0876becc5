package connector_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jmerrifield20/jmxscraper/pkg/connector"
	"github.com/jmerrifield20/jmxscraper/pkg/remote"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl/digest"
	"github.com/jmerrifield20/jmxscraper/pkg/serviceurl"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeHandle struct {
	mu     sync.Mutex
	closed int
}

func (h *fakeHandle) ID() string { return "fake-1" }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

type fakeTransport struct {
	handle *fakeHandle
	err    error

	gotURL  *serviceurl.URL
	gotStub remote.Stub
	gotEnv  remote.Environment
	direct  int
	viaStub int
}

func (t *fakeTransport) respond() (remote.Handle, error) {
	if t.handle == nil {
		return nil, t.err
	}
	return t.handle, t.err
}

func (t *fakeTransport) ConnectDirect(_ context.Context, u *serviceurl.URL, env remote.Environment) (remote.Handle, error) {
	t.direct++
	t.gotURL, t.gotEnv = u, env
	return t.respond()
}

func (t *fakeTransport) ConnectViaStub(_ context.Context, stub remote.Stub, env remote.Environment) (remote.Handle, error) {
	t.viaStub++
	t.gotStub, t.gotEnv = stub, env
	return t.respond()
}

type fakeDirectory struct {
	stub remote.Stub
	err  error

	gotHost    string
	gotPort    int
	gotFactory remote.ClientFactory
	gotName    string
}

func (d *fakeDirectory) Lookup(_ context.Context, host string, port int, f remote.ClientFactory, name string) (remote.Stub, error) {
	d.gotHost, d.gotPort, d.gotFactory, d.gotName = host, port, f, name
	return d.stub, d.err
}

type fakeFactory struct{}

func (fakeFactory) Scheme() string           { return "https" }
func (fakeFactory) HTTPClient() *http.Client { return http.DefaultClient }

// emptyProviders has no SASL provider available.
func emptyProviders() *sasl.Registry { return sasl.NewRegistry() }

func digestProviders() *sasl.Registry {
	r := sasl.NewRegistry()
	r.RegisterFactory(digest.ProviderName, digest.New)
	return r
}

var errRefused = errors.New("dial tcp: connection refused")

// ── EndpointResolver ──────────────────────────────────────────────────────────

func TestForHostPort_canonicalTemplate(t *testing.T) {
	c, err := connector.ForHostPort("localhost", 9999)
	if err != nil {
		t.Fatalf("ForHostPort() error: %v", err)
	}
	want := "service:jmx:rmi:///jndi/rmi://localhost:9999/jmxrmi"
	if got := c.Config().Target.String(); got != want {
		t.Errorf("Target: got %q, want %q", got, want)
	}
}

func TestForURL_malformedIsConfigurationError(t *testing.T) {
	cases := []string{
		"",
		"localhost:9999",
		"http://localhost:9999",
		"service:jmx:rmi://host:notaport",
		"service:jmx:rmi://host:99999",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			_, err := connector.ForURL(raw)
			var ce *connector.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigurationError, got %T: %v", err, err)
			}
			var conn *connector.ConnectionError
			if errors.As(err, &conn) {
				t.Error("malformed URL must never be a ConnectionError")
			}
			if connector.IsRetryable(err) {
				t.Error("configuration errors are not retryable")
			}
		})
	}
}

func TestForHostPort_invalid(t *testing.T) {
	for _, tc := range []struct {
		host string
		port int
	}{
		{"", 1099},
		{"db1", -1},
		{"db1", 65536},
	} {
		_, err := connector.ForHostPort(tc.host, tc.port)
		var ce *connector.ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("ForHostPort(%q, %d): expected *ConfigurationError, got %v", tc.host, tc.port, err)
		}
	}
}

func TestNew_requiresTarget(t *testing.T) {
	_, err := connector.New(connector.Config{})
	var ce *connector.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("expected *ConfigurationError, got %v", err)
	}
}

func TestNew_sslRegistryValidatesEmbeddedURI(t *testing.T) {
	_, err := connector.ForURL("service:jmx:rmi://host:1/jndi/", connector.WithSSLRegistry(true))
	var ce *connector.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("expected *ConfigurationError, got %v", err)
	}
}

func TestConfig_isCopy(t *testing.T) {
	c, err := connector.ForHostPort("db1", 7199, connector.WithUser("admin"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := c.Config()
	cfg.Username = "mallory"
	cfg.Target.Host = "evil"

	again := c.Config()
	if again.Username != "admin" || again.Target.Host != "db1" {
		t.Errorf("Config() leaked internal state: %+v", again)
	}
}

// ── NegotiationEnvironment ────────────────────────────────────────────────────

func TestEnvironment_credentialPairing(t *testing.T) {
	cases := []struct {
		name      string
		opts      []connector.Option
		wantCreds bool
	}{
		{"both", []connector.Option{connector.WithUser("admin"), connector.WithPassword("secret")}, true},
		{"user only", []connector.Option{connector.WithUser("admin")}, false},
		{"password only", []connector.Option{connector.WithPassword("secret")}, false},
		{"neither", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := append([]connector.Option{connector.WithProviders(emptyProviders())}, tc.opts...)
			c, err := connector.ForHostPort("db1", 7199, opts...)
			if err != nil {
				t.Fatal(err)
			}
			env := c.Environment()
			_, present := env[remote.EnvCredentials]
			if present != tc.wantCreds {
				t.Errorf("credentials present: got %v, want %v (env=%v)", present, tc.wantCreds, env)
			}
			if tc.wantCreds {
				creds, _ := env.Credentials()
				if creds.Username != "admin" || creds.Password != "secret" {
					t.Errorf("credentials: got %+v", creds)
				}
			}
		})
	}
}

func TestEnvironment_profile(t *testing.T) {
	c, _ := connector.ForHostPort("db1", 7199, connector.WithProviders(emptyProviders()))
	if _, ok := c.Environment()[remote.EnvProfile]; ok {
		t.Error("profile entry must be absent when not configured")
	}

	c, _ = connector.ForHostPort("db1", 7199,
		connector.WithProviders(emptyProviders()),
		connector.WithRemoteProfile("SASL/DIGEST-SHA256"),
	)
	if got := c.Environment().Profile(); got != "SASL/DIGEST-SHA256" {
		t.Errorf("Profile(): got %q", got)
	}
}

func TestEnvironment_saslAvailable(t *testing.T) {
	providers := digestProviders()
	c, err := connector.ForHostPort("db1", 7199,
		connector.WithProviders(providers),
		connector.WithUser("admin"),
		connector.WithPassword("secret"),
		connector.WithRealm("ops"),
	)
	if err != nil {
		t.Fatal(err)
	}

	env := c.Environment()
	h, ok := env[remote.EnvCallbackHandler].(sasl.CallbackHandler)
	if !ok {
		t.Fatalf("callback handler missing from environment: %v", env)
	}

	name := &sasl.NameCallback{}
	pass := &sasl.PasswordCallback{}
	realm := &sasl.RealmCallback{DefaultRealm: "default"}
	if err := h.Handle([]sasl.Callback{name, pass, realm}); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if name.Name != "admin" || string(pass.Password) != "secret" || realm.Realm() != "ops" {
		t.Errorf("callbacks: name=%q password=%q realm=%q", name.Name, pass.Password, realm.Realm())
	}

	// Building the environment again must not install a second provider.
	c.Environment()
	if n := len(providers.Installed()); n != 1 {
		t.Errorf("Installed(): got %d providers, want 1", n)
	}
}

func TestEnvironment_saslUnavailableWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c, err := connector.ForHostPort("db1", 7199,
		connector.WithProviders(emptyProviders()),
		connector.WithLogger(zap.New(core)),
		connector.WithUser("admin"),
		connector.WithPassword("secret"),
	)
	if err != nil {
		t.Fatal(err)
	}

	env := c.Environment()
	if _, ok := env[remote.EnvCallbackHandler]; ok {
		t.Error("callback handler must be absent when SASL is unavailable")
	}
	if _, ok := env[remote.EnvCredentials]; !ok {
		t.Error("basic credentials must still be passed")
	}
	if logs.FilterMessage("SASL unsupported in current environment").Len() != 1 {
		t.Errorf("expected one SASL warning, got %v", logs.All())
	}
}

// ── CredentialCallbackAdapter ─────────────────────────────────────────────────

func TestCallbackHandler(t *testing.T) {
	h := connector.CallbackHandler("admin", "", "")

	pass := &sasl.PasswordCallback{Password: []byte("stale")}
	realm := &sasl.RealmCallback{DefaultRealm: "server-default"}
	if err := h.Handle([]sasl.Callback{pass, realm}); err != nil {
		t.Fatal(err)
	}
	if pass.Password != nil {
		t.Errorf("empty password must yield nil secret, got %q", pass.Password)
	}
	if realm.Realm() != "server-default" {
		t.Errorf("unset realm must keep server default, got %q", realm.Realm())
	}

	otp := &sasl.TextInputCallback{Prompt: "otp"}
	err := h.Handle([]sasl.Callback{otp})
	var uce *connector.UnsupportedChallengeError
	if !errors.As(err, &uce) || uce.Callback != otp {
		t.Errorf("expected UnsupportedChallengeError for %v, got %v", otp, err)
	}
}

// ── ConnectionNegotiator: direct strategy ─────────────────────────────────────

func TestConnect_direct_db1(t *testing.T) {
	ft := &fakeTransport{handle: &fakeHandle{}}
	c, err := connector.ForHostPort("db1", 7199,
		connector.WithUser("admin"),
		connector.WithPassword("secret"),
		connector.WithTransport(ft),
		connector.WithProviders(emptyProviders()),
	)
	if err != nil {
		t.Fatal(err)
	}

	h, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if h != remote.Handle(ft.handle) {
		t.Error("Connect() must return the transport's handle")
	}
	if ft.direct != 1 || ft.viaStub != 0 {
		t.Errorf("calls: direct=%d viaStub=%d", ft.direct, ft.viaStub)
	}
	if got := ft.gotURL.String(); got != "service:jmx:rmi:///jndi/rmi://db1:7199/jmxrmi" {
		t.Errorf("URL handed to transport: %q", got)
	}
	creds, ok := ft.gotEnv[remote.EnvCredentials].(remote.Credentials)
	if !ok || creds.Username != "admin" || creds.Password != "secret" {
		t.Errorf("env credentials: %v", ft.gotEnv[remote.EnvCredentials])
	}
	if ft.handle.closed != 0 {
		t.Error("successful connect must not close the handle")
	}
}

func TestConnect_direct_unreachable(t *testing.T) {
	ft := &fakeTransport{err: errRefused}
	c, _ := connector.ForHostPort("db1", 7199,
		connector.WithUser("admin"),
		connector.WithPassword("secret"),
		connector.WithTransport(ft),
		connector.WithProviders(emptyProviders()),
	)

	_, err := c.Connect(context.Background())
	var ce *connector.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnectionError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "db1:7199") {
		t.Errorf("error must name db1:7199: %q", err.Error())
	}
	if !errors.Is(err, errRefused) {
		t.Error("cause must be preserved")
	}
	if !connector.IsRetryable(err) {
		t.Error("direct connection errors are retryable")
	}
}

func TestConnect_direct_closesHandleOnError(t *testing.T) {
	ft := &fakeTransport{handle: &fakeHandle{}, err: errRefused}
	c, _ := connector.ForHostPort("db1", 7199, connector.WithTransport(ft), connector.WithProviders(emptyProviders()))

	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if ft.handle.closed != 1 {
		t.Errorf("handle closed %d times, want 1", ft.handle.closed)
	}
}

func TestConnect_direct_unsupportedChallengeUnwrapped(t *testing.T) {
	uce := &connector.UnsupportedChallengeError{Callback: &sasl.TextInputCallback{Prompt: "otp"}}
	ft := &fakeTransport{err: uce}
	c, _ := connector.ForHostPort("db1", 7199, connector.WithTransport(ft), connector.WithProviders(emptyProviders()))

	_, err := c.Connect(context.Background())
	if err != error(uce) {
		t.Errorf("expected the challenge error itself, got %T: %v", err, err)
	}
}

// ── ConnectionNegotiator: secure-registry strategy ────────────────────────────

func secureConnector(t *testing.T, raw string, ft *fakeTransport, fd *fakeDirectory) *connector.Connector {
	t.Helper()
	c, err := connector.ForURL(raw,
		connector.WithSSLRegistry(true),
		connector.WithTransport(ft),
		connector.WithDirectory(fd),
		connector.WithSecureClientFactory(fakeFactory{}),
		connector.WithProviders(emptyProviders()),
	)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestConnect_sslRegistry_compoundPath(t *testing.T) {
	stub := remote.Stub{Name: "jmxrmi", Address: "10.0.0.7:40001", TLS: true}
	ft := &fakeTransport{handle: &fakeHandle{}}
	fd := &fakeDirectory{stub: stub}
	c := secureConnector(t, "service:jmx:rmi://outerhost:1/jndi/rmi://otherhost:1234/jmxrmi", ft, fd)

	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if fd.gotHost != "otherhost" || fd.gotPort != 1234 {
		t.Errorf("registry address: got %s:%d, want otherhost:1234", fd.gotHost, fd.gotPort)
	}
	if fd.gotName != "jmxrmi" {
		t.Errorf("lookup name: got %q", fd.gotName)
	}
	if _, ok := fd.gotFactory.(fakeFactory); !ok {
		t.Errorf("lookup must use the secure factory, got %T", fd.gotFactory)
	}
	if ft.direct != 0 || ft.viaStub != 1 || ft.gotStub != stub {
		t.Errorf("transport calls: direct=%d viaStub=%d stub=%+v", ft.direct, ft.viaStub, ft.gotStub)
	}
}

func TestConnect_sslRegistry_plainPath(t *testing.T) {
	ft := &fakeTransport{handle: &fakeHandle{}}
	fd := &fakeDirectory{stub: remote.Stub{Address: "10.0.0.7:40001"}}
	c := secureConnector(t, "service:jmx:rmi://reghost:2099", ft, fd)

	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fd.gotHost != "reghost" || fd.gotPort != 2099 {
		t.Errorf("registry address: got %s:%d, want reghost:2099", fd.gotHost, fd.gotPort)
	}
}

func TestConnect_sslRegistry_notBound(t *testing.T) {
	ft := &fakeTransport{handle: &fakeHandle{}}
	fd := &fakeDirectory{err: remote.ErrNotBound}
	c := secureConnector(t, "service:jmx:rmi:///jndi/rmi://otherhost:1234/jmxrmi", ft, fd)

	_, err := c.Connect(context.Background())
	var ce *connector.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnectionError, got %T: %v", err, err)
	}
	if ce.Host != "otherhost" || ce.Port != 1234 {
		t.Errorf("error address: %s:%d", ce.Host, ce.Port)
	}
	if !errors.Is(err, remote.ErrNotBound) {
		t.Error("not-bound cause must be preserved")
	}
	if ft.viaStub != 0 {
		t.Error("transport must not be called after a failed lookup")
	}
}

func TestConnect_sslRegistry_handshakeFailureIsFatal(t *testing.T) {
	ft := &fakeTransport{handle: &fakeHandle{}, err: errRefused}
	fd := &fakeDirectory{stub: remote.Stub{Address: "10.0.0.7:40001"}}
	c := secureConnector(t, "service:jmx:rmi:///jndi/rmi://otherhost:1234/jmxrmi", ft, fd)

	_, err := c.Connect(context.Background())
	var fe *connector.FatalConnectionError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FatalConnectionError, got %T: %v", err, err)
	}
	if !errors.Is(err, errRefused) {
		t.Error("cause must be preserved")
	}
	if connector.IsRetryable(err) {
		t.Error("fatal errors are not retryable")
	}
	if ft.handle.closed != 1 {
		t.Errorf("partially opened handle closed %d times, want 1", ft.handle.closed)
	}
}

func TestConnect_sslRegistry_unsupportedChallengeUnwrapped(t *testing.T) {
	uce := &connector.UnsupportedChallengeError{Callback: &sasl.TextInputCallback{Prompt: "otp"}}
	ft := &fakeTransport{err: uce}
	fd := &fakeDirectory{stub: remote.Stub{Address: "10.0.0.7:40001"}}
	c := secureConnector(t, "service:jmx:rmi:///jndi/rmi://otherhost:1234/jmxrmi", ft, fd)

	_, err := c.Connect(context.Background())
	if err != error(uce) {
		t.Errorf("expected the challenge error itself, got %T: %v", err, err)
	}
}

func TestConnect_sslRegistry_lookupFailure(t *testing.T) {
	ft := &fakeTransport{handle: &fakeHandle{}}
	fd := &fakeDirectory{err: errors.New("tls: handshake failure")}
	c := secureConnector(t, "service:jmx:rmi:///jndi/rmi://otherhost:1234/jmxrmi", ft, fd)

	_, err := c.Connect(context.Background())
	if !connector.IsRetryable(err) {
		t.Errorf("lookup I/O failure must be a ConnectionError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "otherhost:1234") {
		t.Errorf("error must name the registry address: %q", err.Error())
	}
}
