// Package digest implements the DIGEST-SHA256 challenge-response mechanism.
//
// The server sends a nonce, a salt and an iteration count. The client derives
// a key from the secret with PBKDF2-SHA256 and proves knowledge of it with an
// HMAC over the nonce, identity and realm. The secret never crosses the wire.
//
// Importing this package registers the provider with sasl.Default.
package digest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
)

const (
	// ProviderName is the name the provider registers under.
	ProviderName = "digest"

	// Mechanism is the mechanism name negotiated with the server.
	Mechanism = "DIGEST-SHA256"

	// DefaultIterations is the PBKDF2 work factor servers should use.
	DefaultIterations = 4096

	keyLen   = 32
	nonceLen = 24
	saltLen  = 16
)

func init() {
	sasl.RegisterFactory(ProviderName, New)
}

type provider struct{}

// New returns the DIGEST-SHA256 provider.
func New() sasl.Provider { return provider{} }

func (provider) Name() string      { return ProviderName }
func (provider) Mechanism() string { return Mechanism }

// Respond collects the requested fields through h and computes the proof.
func (provider) Respond(ch sasl.Challenge, h sasl.CallbackHandler) (*sasl.Response, error) {
	if ch.Mechanism != Mechanism {
		return nil, fmt.Errorf("digest: unexpected mechanism %q", ch.Mechanism)
	}
	if len(ch.Nonce) == 0 || ch.Iterations <= 0 {
		return nil, fmt.Errorf("digest: malformed challenge")
	}
	if h == nil {
		return nil, fmt.Errorf("digest: no callback handler configured")
	}

	cbs := sasl.CallbacksFor(ch.Fields, ch.DefaultRealm)
	if err := h.Handle(cbs); err != nil {
		return nil, err
	}

	var (
		identity, realm string
		secret          *sasl.PasswordCallback
	)
	for _, cb := range cbs {
		switch cb := cb.(type) {
		case *sasl.NameCallback:
			identity = cb.Name
		case *sasl.PasswordCallback:
			secret = cb
		case *sasl.RealmCallback:
			realm = cb.Realm()
		}
	}
	if secret == nil || secret.Password == nil {
		return nil, fmt.Errorf("digest: no secret supplied for %q", identity)
	}
	defer secret.Clear()

	return &sasl.Response{
		Identity: identity,
		Realm:    realm,
		Proof:    Proof(secret.Password, ch.Salt, ch.Iterations, ch.Nonce, identity, realm),
	}, nil
}

// Proof computes HMAC-SHA256(PBKDF2(secret, salt), nonce|identity|realm).
func Proof(secret, salt []byte, iterations int, nonce []byte, identity, realm string) []byte {
	key := pbkdf2.Key(secret, salt, iterations, keyLen, sha256.New)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	mac.Write([]byte{0})
	mac.Write([]byte(identity))
	mac.Write([]byte{0})
	mac.Write([]byte(realm))
	return mac.Sum(nil)
}

// Verify checks a client response against the secret the server holds.
func Verify(ch sasl.Challenge, resp *sasl.Response, secret []byte) bool {
	if resp == nil {
		return false
	}
	want := Proof(secret, ch.Salt, ch.Iterations, ch.Nonce, resp.Identity, resp.Realm)
	return hmac.Equal(want, resp.Proof)
}

// NewChallenge creates a server challenge with fresh nonce and salt.
func NewChallenge(defaultRealm string) (sasl.Challenge, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return sasl.Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return sasl.Challenge{}, fmt.Errorf("generate salt: %w", err)
	}
	return sasl.Challenge{
		Mechanism:    Mechanism,
		Nonce:        nonce,
		Salt:         salt,
		Iterations:   DefaultIterations,
		Fields:       []string{sasl.FieldIdentity, sasl.FieldSecret, sasl.FieldRealm},
		DefaultRealm: defaultRealm,
	}, nil
}
