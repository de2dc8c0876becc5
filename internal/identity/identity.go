// Package identity holds the trust material of a management agent.
//
// It provides:
//   - CAManager: creates/loads the agent's root Certificate Authority
//   - Issuer: issues TLS server certificates for the registry and
//     management endpoints
//   - TokenIssuer: issues and verifies RS256 session tokens
//   - UserStore: the file-backed set of accepted credentials
package identity
