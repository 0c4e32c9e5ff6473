// Package cmd implements the skywork command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/skywork/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	logLevel string
	logPlain bool
)

var rootCmd = &cobra.Command{
	Use:   "skywork",
	Short: "Background job scheduler with UWS integration",
	Long: `Skywork runs background jobs (packaging, searches, remote UWS work)
behind an HTTP API: bounded worker pools, job lifecycle tracking, abort
and timeout enforcement, push and email notification, and history import
from remote UWS services.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return observability.InitCLILogger(logLevel, !logPlain)
	},
}

func init() {
	rootCmd.Version = versionInfo.Version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default: ./skywork.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logPlain, "log-plain", false, "Console log output instead of JSON")
}

// Execute runs the CLI.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
