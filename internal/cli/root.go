package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/config"
	"github.com/attribution-goat/attribution-goat/internal/logging"
)

var (
	cfgPath string
	envFile string
	dbPath  string
	profile string
	verbose bool

	// Page the one-shot commands act on
	pageURL      string
	cookieHeader string
	userAgent    string

	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "agt",
	Short: "Attribution Goat - cross-domain conversion attribution",
	Long: `🐐 Attribution Goat carries A/B test attribution from a content site to an
external checkout and delivers conversion events reliably.

It resolves session, visitor and variation ids, tags outbound commerce links,
rewrites same-site links, and queues conversions with retries. A built-in
collector ('agt serve') receives the events and reports results.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnv(envFile); err != nil {
			return err
		}

		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			loaded.Storage.DBPath = dbPath
		}
		if cmd.Flags().Changed("profile") {
			loaded.Storage.Profile = profile
		}
		cfg = loaded

		if verbose || cmd.Name() == "serve" {
			l, err := logging.New(verbose)
			if err != nil {
				return err
			}
			logger = l
		} else {
			logger = logging.Quiet()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", getEnvOrDefault("AGT_CONFIG", config.DefaultPath), "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./agt.db", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "default", "local storage profile (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.PersistentFlags().StringVar(&pageURL, "url", "https://localhost/", "URL of the current page")
	rootCmd.PersistentFlags().StringVar(&cookieHeader, "cookies", "", `page cookies, e.g. "builderSessionId=abc; builder.tests.t1=v1"`)
	rootCmd.PersistentFlags().StringVar(&userAgent, "user-agent", "", "page user agent")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func requireAPIKey() error {
	if cfg.APIKey == "" {
		return fmt.Errorf("no API key configured. Set AGT_API_KEY or run: agt init")
	}
	return nil
}
