// Package remote defines the contracts shared by the connector, the registry
// client and the management transport: the negotiation environment handed to
// the transport, stub references returned by the registry, and the handle
// returned to callers.
package remote

import (
	"errors"
	"net/http"
)

// Environment keys understood by the management transport.
const (
	// EnvCredentials holds a Credentials value. Present only when both
	// username and password are configured.
	EnvCredentials = "jmx.remote.credentials"

	// EnvProfile holds the requested security profile, e.g. "SASL/DIGEST-SHA256".
	EnvProfile = "jmx.remote.profile"

	// EnvCallbackHandler holds a sasl.CallbackHandler used to answer
	// challenge-response authentication.
	EnvCallbackHandler = "jmx.remote.sasl.callback.handler"
)

// ErrNotBound is returned by a registry lookup when no stub is bound under the
// requested name.
var ErrNotBound = errors.New("name not bound in registry")

// Environment is the option map passed opaquely to the transport during the
// connection handshake.
type Environment map[string]any

// Credentials is the basic username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Credentials returns the credential pair stored in the environment, if any.
func (e Environment) Credentials() (Credentials, bool) {
	c, ok := e[EnvCredentials].(Credentials)
	return c, ok
}

// Profile returns the requested security profile or "".
func (e Environment) Profile() string {
	p, _ := e[EnvProfile].(string)
	return p
}

// Stub is a reference to a management service returned by the registry. It is
// enough to open a connection without repeating the lookup.
type Stub struct {
	Name    string `json:"name"`
	Address string `json:"address"` // host:port of the management service
	TLS     bool   `json:"tls"`
}

// Handle is a live management connection. It is owned by the caller, who must
// Close it.
type Handle interface {
	ID() string
	Close() error
}

// ClientFactory supplies the HTTP client and URL scheme used to reach a
// registry. Plain and TLS registries use different factories.
type ClientFactory interface {
	Scheme() string
	HTTPClient() *http.Client
}
