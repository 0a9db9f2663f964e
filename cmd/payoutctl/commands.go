package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/payoutops/internal/app"
	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/models"
	"github.com/punchamoorthee/payoutops/internal/service"
	"github.com/punchamoorthee/payoutops/internal/store"
)

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// periodOrLastWeek parses id, defaulting to the ISO week before now.
func periodOrLastWeek(id string) (domain.Period, error) {
	if id == "" {
		return domain.PeriodFor(time.Now().AddDate(0, 0, -7)), nil
	}
	return domain.ParsePeriod(id)
}

func (c *cli) engine(ctx context.Context) (*app.Engine, error) {
	if c.cfg.StripeSecretKey == "" {
		return nil, errors.New("STRIPE_SECRET_KEY environment variable is required")
	}
	return app.New(ctx, c.cfg, c.log, nil)
}

// report prints run and fails the command when any item failed, so a
// scheduler wrapping payoutctl notices.
func report(cmd *cobra.Command, run *domain.BatchRun) error {
	if err := printJSON(cmd.OutOrStdout(), models.NewBatchResponse(run)); err != nil {
		return err
	}
	if run.Failed > 0 {
		return fmt.Errorf("%d of %d items failed; re-run to retry them", run.Failed, len(run.Results))
	}
	return nil
}

type batchFlags struct {
	concurrency int
	minimum     int64
}

func (f *batchFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "c", 0, "Transfers in flight at once (default BATCH_CONCURRENCY)")
	cmd.Flags().Int64Var(&f.minimum, "minimum", -1, "Skip amounts below this, in minor units (default BATCH_MINIMUM_AMOUNT)")
}

func (f *batchFlags) apply(opts service.BatchOptions) service.BatchOptions {
	if f.concurrency != 0 {
		opts.ConcurrencyLimit = f.concurrency
	}
	if f.minimum >= 0 {
		opts.MinimumAmount = f.minimum
	}
	return opts
}

func (c *cli) weeklyCmd() *cobra.Command {
	var (
		payeesPath string
		period     string
		flags      batchFlags
	)
	cmd := &cobra.Command{
		Use:   "weekly",
		Short: "Pay every payee's earnings for an ISO week",
		Long: `Pay every payee's earnings for an ISO week.

Keys are derived from payee and period, so running the same week again only
retries payees that did not succeed.

Examples:
  payoutctl weekly --payees earnings.json
  payoutctl weekly --payees earnings.json --period 2026-W42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := periodOrLastWeek(period)
			if err != nil {
				return err
			}
			var payees []service.PayeeAmount
			if err := readJSON(payeesPath, &payees); err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := c.engine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.Scheduler.RunPeriod(ctx, p, payees, flags.apply(e.BatchOptions()))
			if err != nil {
				return err
			}
			return report(cmd, run)
		},
	}
	cmd.Flags().StringVar(&payeesPath, "payees", "", "JSON file with [{payee_id, destination, amount, currency}]")
	cmd.Flags().StringVar(&period, "period", "", "ISO week such as 2026-W42 (default last week)")
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("payees")
	return cmd
}

func (c *cli) batchCmd() *cobra.Command {
	var (
		itemsPath string
		period    string
		flags     batchFlags
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Disburse a list of transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.BatchItem
			if err := readJSON(itemsPath, &items); err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := c.engine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			opts := flags.apply(e.BatchOptions())
			if period != "" {
				if opts.Period, err = domain.ParsePeriod(period); err != nil {
					return err
				}
			}
			run, err := e.Scheduler.RunBatch(ctx, items, opts)
			if err != nil {
				return err
			}
			return report(cmd, run)
		},
	}
	cmd.Flags().StringVar(&itemsPath, "items", "", "JSON file with [{id, destination, amount, currency, idempotency_key}]")
	cmd.Flags().StringVar(&period, "period", "", "ISO week used to derive keys for items without one")
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

func (c *cli) summaryCmd() *cobra.Command {
	var account, period string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Total the transfers an account received in a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := domain.PeriodFor(time.Now())
			if period != "" {
				var err error
				if p, err = domain.ParsePeriod(period); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			e, err := c.engine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := e.Disburser.CalculatePayoutSummary(ctx, account, p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Connected account id")
	cmd.Flags().StringVar(&period, "period", "", "ISO week (default current week)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := store.Connect(ctx, c.cfg.DBSource)
			if err != nil {
				return err
			}
			s := store.NewLedgerStore(pool, c.log)
			defer s.Close()
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			c.log.Info().Msg("schema applied")
			return nil
		},
	}
}
