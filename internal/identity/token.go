package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims are the JWT claims of a management session token. A token is
// issued once a connection has authenticated and must accompany every
// subsequent call on that connection.
type SessionClaims struct {
	jwt.RegisteredClaims
	ConnectionID string `json:"cid"`
	Username     string `json:"username,omitempty"`
	Mechanism    string `json:"mech,omitempty"` // empty for basic credentials
}

// TokenIssuer issues and verifies session tokens signed with RS256.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuer: The "iss" claim value; typically the agent's service address.
//	ttl: Token lifetime (default: 8 hours).
func NewTokenIssuer(key *rsa.PrivateKey, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    &key.PublicKey,
		issuer: issuer,
		ttl:    ttl,
	}
}

// Issue creates a signed session token for connectionID.
func (t *TokenIssuer) Issue(connectionID, username, mechanism string) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   connectionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		ConnectionID: connectionID,
		Username:     username,
		Mechanism:    mechanism,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// PublicKeyPEM returns the RSA public key in PKIX PEM format.
func (t *TokenIssuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(t.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
