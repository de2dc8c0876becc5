// Package connector opens authenticated management connections to a
// monitored process. It is the entry point a scraping agent uses before any
// attribute is polled.
//
// # Building a connector
//
// A Connector is configured once, from a host/port pair or a literal service
// URL, and is immutable afterwards:
//
//	c, err := connector.ForHostPort("db1", 7199,
//	    connector.WithUser("monitorRole"),
//	    connector.WithPassword("QED"),
//	)
//	if err != nil {
//	    return err // *connector.ConfigurationError
//	}
//
// Malformed targets are reported by ForHostPort/ForURL as
// *ConfigurationError and never at connect time.
//
// # Connecting
//
// Connect blocks until the handshake completes or fails. Deadlines and
// cancellation are applied through ctx:
//
//	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
//	defer cancel()
//	h, err := c.Connect(ctx)
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
// By default the service URL is handed straight to the transport, which does
// its own (plain) registry lookup. WithSSLRegistry switches to the
// secure-registry strategy: the registry named in the URL is queried over
// TLS and the returned stub is dialed directly. The two legs can carry
// different transport security.
//
// # Errors
//
//   - *ConfigurationError: malformed target, from ForHostPort/ForURL/New.
//   - *ConnectionError: direct connect or registry lookup failed, including
//     a name that is not bound. Carries the host:port that was tried.
//   - *FatalConnectionError: the secure registry answered but the stub
//     handshake failed.
//   - *UnsupportedChallengeError: the server asked for a credential field the
//     connector cannot supply. Returned unwrapped.
//
// Nothing is retried internally; IsRetryable helps callers decide.
package connector
