package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/punchamoorthee/payoutops/internal/config"
	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/logger"
	"github.com/punchamoorthee/payoutops/internal/store"
)

var (
	totalAccounts int
	accountsFile  string
)

func init() {
	flag.IntVar(&totalAccounts, "count", 1000, "Number of payee accounts to generate")
	flag.StringVar(&accountsFile, "file", "", "JSON file with [{id, payee_id, type}] instead of generated accounts")
}

func main() {
	flag.Parse()
	log := logger.New(logger.Config{Service: "payoutops-seeder"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()
	pool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to connect to database")
	}
	s := store.NewLedgerStore(pool, log)
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	log.Info().Msg("--- Seeding Database ---")

	accounts, err := loadAccounts()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read accounts")
	}

	count, err := s.CountAccounts(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to count accounts")
	}
	if count >= len(accounts) {
		log.Info().Int("existing", count).Msg("Database already seeded. Skipping.")
		return
	}

	n, err := s.SeedAccounts(ctx, accounts)
	if err != nil {
		log.Fatal().Err(err).Msg("Bulk insert failed")
	}
	log.Info().Int64("accounts", n).Msg("Successfully seeded accounts")
}

// loadAccounts reads the file when given, else generates pending express
// accounts acct_seed_0001 .. acct_seed_N. Capabilities arrive later through
// account.updated notifications.
func loadAccounts() ([]domain.Account, error) {
	if accountsFile != "" {
		data, err := os.ReadFile(accountsFile)
		if err != nil {
			return nil, err
		}
		var accounts []domain.Account
		if err := json.Unmarshal(data, &accounts); err != nil {
			return nil, fmt.Errorf("decode %s: %w", accountsFile, err)
		}
		return accounts, nil
	}

	accounts := make([]domain.Account, 0, totalAccounts)
	for i := 1; i <= totalAccounts; i++ {
		accounts = append(accounts, domain.Account{
			ID:      fmt.Sprintf("acct_seed_%04d", i),
			PayeeID: fmt.Sprintf("payee-%04d", i),
			Type:    domain.AccountTypeExpress,
		})
	}
	return accounts, nil
}
