package connector

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
)

// ConfigurationError reports a malformed connection target.
type ConfigurationError struct {
	Input string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid service URL %q: %v", e.Input, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectionError reports an I/O failure while connecting directly or while
// querying the secure registry.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to connect to %s: %v", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FatalConnectionError reports a failed handshake against a stub obtained
// from the secure registry.
type FatalConnectionError struct {
	URL string
	Err error
}

func (e *FatalConnectionError) Error() string {
	return fmt.Sprintf("unable to connect to %s via secure registry stub: %v", e.URL, e.Err)
}

func (e *FatalConnectionError) Unwrap() error { return e.Err }

// UnsupportedChallengeError is returned when the server requests a credential
// field the connector cannot answer.
type UnsupportedChallengeError = sasl.UnsupportedChallengeError

// IsRetryable reports whether err is a *ConnectionError. Configuration,
// fatal and challenge errors are not worth retrying.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func unsupportedChallenge(err error) (*UnsupportedChallengeError, bool) {
	var uce *UnsupportedChallengeError
	if errors.As(err, &uce) {
		return uce, true
	}
	return nil, false
}
