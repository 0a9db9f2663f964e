package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/payoutops/internal/config"
	"github.com/punchamoorthee/payoutops/internal/logger"
)

var Version = "dev"

// cli carries what every subcommand needs once the root has loaded it.
type cli struct {
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operate payout disbursement runs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			c.cfg = cfg
			// Results go to stdout, so logs go to stderr.
			c.log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "payoutctl", Version: Version, Out: os.Stderr})
			return nil
		},
	}

	rootCmd.AddCommand(c.weeklyCmd())
	rootCmd.AddCommand(c.batchCmd())
	rootCmd.AddCommand(c.summaryCmd())
	rootCmd.AddCommand(c.migrateCmd())

	// Items still running when interrupted fail; re-running resumes them.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
