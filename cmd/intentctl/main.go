package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/msalopek/intent_settlement/chain"
	"github.com/msalopek/intent_settlement/internal/logging"
)

var (
	logLevel   string
	logFormat  string
	configPath string
	dbPath     string
	fromChain  string
	toChain    string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "intentctl",
		Short:         "Submit cross-chain intents and settle them through to claim",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(logFormat, logLevel)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Set the logging level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Set the log output format (json or text)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "settlement.db", "Path to the db file")
	rootCmd.PersistentFlags().StringVar(&fromChain, "from", "", "Origin chain name from the config")
	rootCmd.PersistentFlags().StringVar(&toChain, "to", "", "Destination chain name from the config")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Give up on the command after this long")

	rootCmd.AddCommand(
		submitCmd(),
		observeCmd(),
		relayCmd(),
		pollCmd(),
		claimCmd(),
		settleCmd(),
		statusCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		event := log.Error().Err(err)
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			event = event.Str("revert_kind", revert.Kind.String())
		}
		event.Msg("command failed")
		os.Exit(1)
	}
}

// commandContext bounds a command by --timeout on top of signal cancellation.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
