// Package sasl implements the client side of challenge-response
// authentication for management connections.
//
// During a challenge the server names the fields it wants (identity, secret,
// realm). Each field becomes a typed Callback; a CallbackHandler fills them in
// and a Provider turns the answers into a proof for the server.
//
// Providers are optional. A provider package registers a factory with the
// process-wide Default registry from its init function, so a provider is
// "available" exactly when its package is linked into the binary:
//
//	import _ "github.com/jmerrifield20/jmxscraper/pkg/sasl/digest"
package sasl

import "fmt"

// Challenge field names.
const (
	FieldIdentity = "identity"
	FieldSecret   = "secret"
	FieldRealm    = "realm"
)

// Callback is a single piece of information requested by the server.
type Callback interface {
	Field() string
}

// NameCallback requests the identity to authenticate as.
type NameCallback struct {
	Prompt string
	Name   string
}

func (c *NameCallback) Field() string { return FieldIdentity }

// SetName records the identity.
func (c *NameCallback) SetName(name string) { c.Name = name }

// PasswordCallback requests the secret. The password buffer can be wiped with
// Clear once the proof has been computed.
type PasswordCallback struct {
	Prompt   string
	Password []byte
}

func (c *PasswordCallback) Field() string { return FieldSecret }

// SetPassword stores a copy of password; nil means no password is configured.
func (c *PasswordCallback) SetPassword(password []byte) {
	c.Clear()
	if password == nil {
		c.Password = nil
		return
	}
	c.Password = append([]byte(nil), password...)
}

// Clear zeroes the password buffer.
func (c *PasswordCallback) Clear() {
	for i := range c.Password {
		c.Password[i] = 0
	}
	c.Password = nil
}

// RealmCallback requests the realm the identity belongs to.
type RealmCallback struct {
	Prompt       string
	DefaultRealm string
	Text         string
}

func (c *RealmCallback) Field() string { return FieldRealm }

// SetText records the realm.
func (c *RealmCallback) SetText(text string) { c.Text = text }

// Realm returns the configured realm, falling back to the server default.
func (c *RealmCallback) Realm() string {
	if c.Text != "" {
		return c.Text
	}
	return c.DefaultRealm
}

// TextInputCallback carries any field this package has no dedicated type for.
type TextInputCallback struct {
	Prompt string
	Text   string
}

func (c *TextInputCallback) Field() string { return c.Prompt }

// CallbackHandler answers the callbacks of one challenge.
type CallbackHandler interface {
	Handle(callbacks []Callback) error
}

// HandlerFunc adapts a function to CallbackHandler.
type HandlerFunc func(callbacks []Callback) error

func (f HandlerFunc) Handle(callbacks []Callback) error { return f(callbacks) }

// UnsupportedChallengeError is returned by a CallbackHandler that does not
// recognise a callback kind. It aborts the connection attempt.
type UnsupportedChallengeError struct {
	Callback Callback
}

func (e *UnsupportedChallengeError) Error() string {
	if e.Callback == nil {
		return "unsupported challenge"
	}
	return fmt.Sprintf("unsupported challenge %T (field %q)", e.Callback, e.Callback.Field())
}

// CallbacksFor builds one callback per requested field.
func CallbacksFor(fields []string, defaultRealm string) []Callback {
	cbs := make([]Callback, 0, len(fields))
	for _, f := range fields {
		switch f {
		case FieldIdentity:
			cbs = append(cbs, &NameCallback{Prompt: "identity"})
		case FieldSecret:
			cbs = append(cbs, &PasswordCallback{Prompt: "secret"})
		case FieldRealm:
			cbs = append(cbs, &RealmCallback{Prompt: "realm", DefaultRealm: defaultRealm})
		default:
			cbs = append(cbs, &TextInputCallback{Prompt: f})
		}
	}
	return cbs
}
