// Package cli is the proctorhub command line: the server, database
// migrations, and headless candidate and meeting agents.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"proctorhub/internal/config"
	"proctorhub/internal/logging"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds a fresh command tree so tests never share flag state.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "proctorhub",
		Short: "Real-time exam proctoring hub",
		Long: `proctorhub relays signaling between exam candidates and mentors,
records violations and approval decisions, and forwards proctoring
video frames to observers.

Run "proctorhub serve" for the server. The candidate and meeting
commands are headless clients for testing a deployment.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "Configuration file (JSON); environment and defaults apply otherwise")
	root.PersistentFlags().String("log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "Override log format (text, json)")

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newCandidateCommand(),
		newMeetingCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "proctorhub %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// loadConfig resolves configuration and a logger from the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}
