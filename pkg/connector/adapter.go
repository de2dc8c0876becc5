package connector

import "github.com/jmerrifield20/jmxscraper/pkg/sasl"

// CallbackHandler answers challenge callbacks from a fixed credential set:
// identity from user, secret from password (nil when password is empty) and
// realm from realm. Any other callback fails with *UnsupportedChallengeError.
func CallbackHandler(user, password, realm string) sasl.CallbackHandler {
	return sasl.HandlerFunc(func(callbacks []sasl.Callback) error {
		for _, cb := range callbacks {
			switch cb := cb.(type) {
			case *sasl.NameCallback:
				cb.SetName(user)
			case *sasl.PasswordCallback:
				if password == "" {
					cb.SetPassword(nil)
				} else {
					cb.SetPassword([]byte(password))
				}
			case *sasl.RealmCallback:
				cb.SetText(realm)
			default:
				return &UnsupportedChallengeError{Callback: cb}
			}
		}
		return nil
	})
}
