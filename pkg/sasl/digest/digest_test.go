package digest_test

import (
	"errors"
	"testing"

	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl/digest"
)

func answer(identity, secret, realm string) sasl.CallbackHandler {
	return sasl.HandlerFunc(func(cbs []sasl.Callback) error {
		for _, cb := range cbs {
			switch cb := cb.(type) {
			case *sasl.NameCallback:
				cb.SetName(identity)
			case *sasl.PasswordCallback:
				cb.SetPassword([]byte(secret))
			case *sasl.RealmCallback:
				cb.SetText(realm)
			default:
				return &sasl.UnsupportedChallengeError{Callback: cb}
			}
		}
		return nil
	})
}

func TestRespond_verifies(t *testing.T) {
	ch, err := digest.NewChallenge("")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := digest.New().Respond(ch, answer("admin", "secret", "ops"))
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}
	if resp.Identity != "admin" || resp.Realm != "ops" {
		t.Errorf("response identity/realm: got %q/%q", resp.Identity, resp.Realm)
	}
	if !digest.Verify(ch, resp, []byte("secret")) {
		t.Error("Verify() rejected a correct proof")
	}
	if digest.Verify(ch, resp, []byte("wrong")) {
		t.Error("Verify() accepted a proof for the wrong secret")
	}
}

func TestRespond_defaultRealm(t *testing.T) {
	ch, err := digest.NewChallenge("corp")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := digest.New().Respond(ch, answer("admin", "secret", ""))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Realm != "corp" {
		t.Errorf("Realm: got %q, want server default %q", resp.Realm, "corp")
	}
}

func TestRespond_unsupportedField(t *testing.T) {
	ch, err := digest.NewChallenge("")
	if err != nil {
		t.Fatal(err)
	}
	ch.Fields = append(ch.Fields, "otp")

	_, err = digest.New().Respond(ch, answer("admin", "secret", ""))
	var unsupported *sasl.UnsupportedChallengeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedChallengeError, got %v", err)
	}
}

func TestRespond_noSecret(t *testing.T) {
	ch, err := digest.NewChallenge("")
	if err != nil {
		t.Fatal(err)
	}
	h := sasl.HandlerFunc(func(cbs []sasl.Callback) error {
		for _, cb := range cbs {
			if pw, ok := cb.(*sasl.PasswordCallback); ok {
				pw.SetPassword(nil)
			}
		}
		return nil
	})
	if _, err := digest.New().Respond(ch, h); err == nil {
		t.Error("expected error when no secret is supplied")
	}
}

func TestRespond_wrongMechanism(t *testing.T) {
	ch := sasl.Challenge{Mechanism: "PLAIN", Nonce: []byte("n"), Iterations: 1}
	if _, err := digest.New().Respond(ch, answer("a", "b", "")); err == nil {
		t.Error("expected error for foreign mechanism")
	}
}

func TestInit_registersProvider(t *testing.T) {
	if !sasl.Default.Available(digest.ProviderName) {
		t.Error("digest provider not registered with sasl.Default")
	}
}
