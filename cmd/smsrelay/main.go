package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// cliOptions holds the persistent flags shared by every subcommand
type cliOptions struct {
	configPath string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "smsrelay",
		Short:         "Correlates SMS and call webhooks with pending verification code requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (JSON); empty uses defaults and environment")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging (includes sensitive information)")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "smsrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
			return err
		},
	}
}

// newLogger builds the JSON logger. Debug output needs --verbose; a
// configured debug or trace level is capped at info.
func newLogger(level string, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	switch {
	case verbose:
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	case level != "":
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", level)
			parsed = logrus.InfoLevel
		}
		if parsed > logrus.InfoLevel {
			parsed = logrus.InfoLevel
		}
		logger.SetLevel(parsed)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
