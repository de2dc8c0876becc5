package connector

import (
	"go.uber.org/zap"

	"github.com/jmerrifield20/jmxscraper/pkg/remote"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl/digest"
)

// SASLProvider names the challenge-response provider the connector enables
// when it is available.
const SASLProvider = digest.ProviderName

// Environment assembles the negotiation environment handed to the transport.
//
// Credentials are included only as a complete pair. When the SASL provider
// is available it is installed (once per process) and a callback handler
// answering from the configured credentials is added; otherwise a warning is
// logged and basic credentials are used alone.
func (c *Connector) Environment() remote.Environment {
	env := remote.Environment{}
	if c.cfg.HasCredentials() {
		env[remote.EnvCredentials] = remote.Credentials{
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		}
	}
	if c.cfg.Profile != "" {
		env[remote.EnvProfile] = c.cfg.Profile
	}

	if !c.providers.Available(SASLProvider) {
		c.logger.Warn("SASL unsupported in current environment", zap.String("provider", SASLProvider))
		return env
	}
	if _, err := c.providers.Install(SASLProvider); err != nil {
		c.logger.Warn("SASL unsupported in current environment",
			zap.String("provider", SASLProvider), zap.Error(err))
		return env
	}
	env[remote.EnvCallbackHandler] = CallbackHandler(c.cfg.Username, c.cfg.Password, c.cfg.Realm)
	return env
}
