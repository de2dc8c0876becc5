package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jmxscraper/internal/identity"
	"github.com/jmerrifield20/jmxscraper/internal/registry"
	"github.com/jmerrifield20/jmxscraper/internal/transport"
	"github.com/jmerrifield20/jmxscraper/pkg/connector"
	"github.com/jmerrifield20/jmxscraper/pkg/sasl"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a management connection and optionally read attributes",
	Long: `Connect resolves the target, negotiates authentication and reports the
resulting connection. Attributes given with --attribute are read before the
connection is closed:

  jmxscraper connect --host db1 --port 7199 --user monitorRole --password QED \
      --attribute 'runtime:type=Memory#HeapAlloc'

Use --url for a literal service URL and --ssl-registry when the registry
requires TLS:

  jmxscraper connect --ssl-registry \
      --url service:jmx:rmi:///jndi/rmi://db1:1099/jmxrmi`,
	Args: cobra.NoArgs,
	RunE: runConnect,
}

func init() {
	f := connectCmd.Flags()
	f.String("host", "", "target host (with --port)")
	f.Int("port", 0, "target registry port (with --host)")
	f.String("url", "", "literal service URL, e.g. service:jmx:rmi:///jndi/rmi://db1:1099/jmxrmi")
	f.String("user", "", "username")
	f.String("password", "", "password")
	f.String("profile", "", "security profile, e.g. SASL/DIGEST-SHA256")
	f.String("realm", "", "realm for challenge-response authentication")
	f.Bool("ssl-registry", false, "look up the service stub over TLS")
	f.String("ca-file", "", "PEM bundle trusted for TLS registry and stubs")
	f.StringArray("attribute", nil, "attribute to read as object#attribute (repeatable)")
	f.Duration("timeout", 10*time.Second, "connect timeout")
	f.String("format", "text", "output format: text, json or yaml")

	for _, name := range []string{"host", "port", "url", "user", "password", "profile", "realm", "ssl-registry", "ca-file", "timeout", "format"} {
		_ = viper.BindPFlag(name, f.Lookup(name))
	}
}

// attributeReader is implemented by handles of the management transport.
type attributeReader interface {
	GetAttribute(ctx context.Context, object, attribute string) (any, error)
}

func runConnect(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	attrs, err := cmd.Flags().GetStringArray("attribute")
	if err != nil {
		return err
	}
	queries, err := parseAttributes(attrs)
	if err != nil {
		return err
	}
	format := viper.GetString("format")
	if !validFormat(format) {
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}

	c, err := buildConnector(logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	h, err := c.Connect(ctx)
	if err != nil {
		return describe(err)
	}
	defer h.Close() //nolint:errcheck

	report := connectReport{
		URL:          c.Config().Target.String(),
		ConnectionID: h.ID(),
		SSLRegistry:  c.Config().SSLRegistry,
	}
	if reader, ok := h.(attributeReader); ok {
		for _, q := range queries {
			report.Attributes = append(report.Attributes, q.read(ctx, reader))
		}
	} else if len(queries) > 0 {
		return errors.New("connection does not support attribute reads")
	}

	return writeReport(cmd.OutOrStdout(), format, report)
}

func buildConnector(logger *zap.Logger) (*connector.Connector, error) {
	opts := []connector.Option{
		connector.WithLogger(logger),
		connector.WithUser(viper.GetString("user")),
		connector.WithPassword(viper.GetString("password")),
		connector.WithRemoteProfile(viper.GetString("profile")),
		connector.WithRealm(viper.GetString("realm")),
		connector.WithSSLRegistry(viper.GetBool("ssl-registry")),
	}

	if caFile := viper.GetString("ca-file"); caFile != "" {
		pool, err := identity.LoadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsCfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		opts = append(opts,
			connector.WithSecureClientFactory(registry.NewTLSFactory(tlsCfg)),
			connector.WithTransport(transport.NewFactory(
				transport.WithLogger(logger),
				transport.WithProviders(sasl.Default),
				transport.WithTLSConfig(tlsCfg),
			)),
		)
	}

	raw, host, port := viper.GetString("url"), viper.GetString("host"), viper.GetInt("port")
	switch {
	case raw != "" && host != "":
		return nil, errors.New("use either --url or --host/--port, not both")
	case raw != "":
		return connector.ForURL(raw, opts...)
	case host != "":
		return connector.ForHostPort(host, port, opts...)
	default:
		return nil, errors.New("a target is required: --url or --host/--port")
	}
}

// describe adds a hint about what the caller can do for each error class.
func describe(err error) error {
	var (
		cfgErr   *connector.ConfigurationError
		fatalErr *connector.FatalConnectionError
		uceErr   *connector.UnsupportedChallengeError
	)
	switch {
	case errors.As(err, &cfgErr):
		return fmt.Errorf("configuration: %w", err)
	case errors.As(err, &uceErr):
		return fmt.Errorf("authentication: %w", err)
	case errors.As(err, &fatalErr):
		return fmt.Errorf("%w (not retryable)", err)
	case connector.IsRetryable(err):
		return fmt.Errorf("%w (retryable)", err)
	}
	return err
}

type attributeQuery struct {
	object    string
	attribute string
}

func parseAttributes(specs []string) ([]attributeQuery, error) {
	out := make([]attributeQuery, 0, len(specs))
	for _, s := range specs {
		i := strings.LastIndex(s, "#")
		if i <= 0 || i == len(s)-1 {
			return nil, fmt.Errorf("invalid attribute %q: want object#attribute", s)
		}
		out = append(out, attributeQuery{object: s[:i], attribute: s[i+1:]})
	}
	return out, nil
}

func (q attributeQuery) read(ctx context.Context, r attributeReader) attributeResult {
	res := attributeResult{Object: q.object, Attribute: q.attribute}
	v, err := r.GetAttribute(ctx, q.object, q.attribute)
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Value = v
	}
	return res
}
