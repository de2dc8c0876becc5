// Package registry implements the directory leg of connection establishment:
// a name-to-stub registry served over HTTP(S) and the client that queries it.
//
// The registry may be protected by its own TLS policy, independent of the
// management channel it points to. Callers pick the leg's security by passing
// either PlainFactory or SecureFactory to Lookup.
package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/jmxscraper/internal/metrics"
	"github.com/jmerrifield20/jmxscraper/pkg/remote"
)

// CAFileEnv names a PEM bundle trusted by SecureFactory in addition to the
// system roots.
const CAFileEnv = "JMXSCRAPER_REGISTRY_CA"

const defaultTimeout = 5 * time.Second

type clientFactory struct {
	scheme string
	client *http.Client
}

func (f *clientFactory) Scheme() string           { return f.scheme }
func (f *clientFactory) HTTPClient() *http.Client { return f.client }

// NewFactory returns a ClientFactory using hc for scheme ("http" or "https").
func NewFactory(scheme string, hc *http.Client) remote.ClientFactory {
	return &clientFactory{scheme: scheme, client: hc}
}

// NewTLSFactory returns an https ClientFactory with the given TLS settings.
func NewTLSFactory(cfg *tls.Config) remote.ClientFactory {
	return &clientFactory{
		scheme: "https",
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: cfg},
			Timeout:   defaultTimeout,
		},
	}
}

var plainFactory = sync.OnceValue(func() remote.ClientFactory {
	return &clientFactory{scheme: "http", client: &http.Client{Timeout: defaultTimeout}}
})

var secureFactory = sync.OnceValues(func() (remote.ClientFactory, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if path := os.Getenv(CAFileEnv); path != "" {
		caPEM, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read registry CA %q: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certificates found in %q", path)
		}
	}
	return NewTLSFactory(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
})

// PlainFactory returns the shared factory for unprotected registries.
func PlainFactory() remote.ClientFactory { return plainFactory() }

// SecureFactory returns the shared TLS factory. It is built once per process
// and never modified afterwards.
func SecureFactory() (remote.ClientFactory, error) { return secureFactory() }

// lookupResponse mirrors the JSON body of GET /registry/:name.
type lookupResponse struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	TLS     bool   `json:"tls"`
	Error   string `json:"error,omitempty"`
}

// Client queries a registry for stubs.
type Client struct {
	logger *zap.Logger
}

// NewClient creates a registry Client.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{logger: logger}
}

// Lookup resolves name in the registry at host:port. It returns
// remote.ErrNotBound when nothing is bound under name.
func (c *Client) Lookup(ctx context.Context, host string, port int, factory remote.ClientFactory, name string) (remote.Stub, error) {
	if factory == nil {
		factory = PlainFactory()
	}
	u := fmt.Sprintf("%s://%s/registry/%s",
		factory.Scheme(),
		net.JoinHostPort(host, strconv.Itoa(port)),
		url.PathEscape(name),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return remote.Stub{}, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := factory.HTTPClient().Do(req)
	if err != nil {
		c.logger.Warn("registry request failed", zap.String("url", u), zap.Error(err))
		metrics.RecordLookup("error")
		return remote.Stub{}, fmt.Errorf("lookup %q at %s: %w", name, u, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		metrics.RecordLookup("error")
		return remote.Stub{}, fmt.Errorf("read lookup response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		metrics.RecordLookup("not_bound")
		return remote.Stub{}, fmt.Errorf("lookup %q: %w", name, remote.ErrNotBound)
	default:
		metrics.RecordLookup("error")
		return remote.Stub{}, fmt.Errorf("registry error %d: %s", resp.StatusCode, string(body))
	}

	var result lookupResponse
	if err := json.Unmarshal(body, &result); err != nil {
		metrics.RecordLookup("error")
		return remote.Stub{}, fmt.Errorf("decode lookup response: %w", err)
	}
	if result.Address == "" {
		metrics.RecordLookup("error")
		return remote.Stub{}, fmt.Errorf("registry returned empty address for %q", name)
	}

	metrics.RecordLookup("bound")
	c.logger.Debug("registry lookup",
		zap.String("name", name),
		zap.String("address", result.Address),
		zap.Bool("tls", result.TLS),
	)
	return remote.Stub{Name: result.Name, Address: result.Address, TLS: result.TLS}, nil
}
