package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	// Links the DIGEST-SHA256 provider so challenge-response auth is available.
	_ "github.com/jmerrifield20/jmxscraper/pkg/sasl/digest"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jmxscraper",
	Short: "Remote management connector for metrics scraping",
	Long: `jmxscraper opens authenticated management connections to monitored
processes and reads attributes from them.

Settings can also come from ~/.jmxscraper/config.yaml or JMXSCRAPER_*
environment variables (e.g. JMXSCRAPER_PASSWORD).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.jmxscraper")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("jmxscraper")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.jmxscraper/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection progress to stderr")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the jmxscraper version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "jmxscraper %s\n", version)
	},
}
