package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mailproc/internal/config"
	"github.com/gotrs-io/gotrs-mailproc/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "mailproc",
	Short: "mailproc - route incoming mail to handlers",
	Long: `mailproc fetches mail over IMAP, IMAP IDLE, POP3 or a spool directory,
matches the sender and subject against a route table and runs the handler
bound to the first matching route.

Outgoing mail is composed from text, markdown and JSON and delivered over
SMTP, Amazon SES or into an outbox directory.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configFlag string
	routesFlag string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file, or a directory holding default.yaml and config.yaml")
	rootCmd.PersistentFlags().StringVar(&routesFlag, "routes", "", "Route manifest (overrides routes.manifest)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailproc %s\n", rootCmd.Version)
	},
}

// loadConfig reads --config. A directory gets the hot-reloading loader, a
// file is read once, and no flag means defaults plus MAILPROC_* variables.
func loadConfig() (*config.Config, error) {
	if configFlag == "" {
		return config.Defaults()
	}
	info, err := os.Stat(configFlag)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if info.IsDir() {
		err = config.Load(configFlag)
	} else {
		err = config.LoadFromFile(configFlag)
	}
	if err != nil {
		return nil, err
	}
	cfg := config.Get()
	if cfg.Routes.Manifest != "" && !filepath.IsAbs(cfg.Routes.Manifest) {
		base := configFlag
		if !info.IsDir() {
			base = filepath.Dir(configFlag)
		}
		cfg.Routes.Manifest = filepath.Join(base, cfg.Routes.Manifest)
	}
	return cfg, nil
}

func manifestPath(cfg *config.Config) string {
	if routesFlag != "" {
		return routesFlag
	}
	return cfg.Routes.Manifest
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
