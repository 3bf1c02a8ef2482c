package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xtrntr/fracex/internal/auth"
	"github.com/xtrntr/fracex/internal/config"
	"github.com/xtrntr/fracex/internal/db"
	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/models"
)

type seedAsset struct {
	symbol    string
	category  string
	price     string
	marketCap string
	roi       float64
}

var assets = []seedAsset{
	{"VILLA-LIS", "real_estate", "52.40", "2500000", 6.5},
	{"LOFT-BER", "real_estate", "31.10", "1200000", 5.2},
	{"MONET-42", "art", "118.00", "4000000", 8.0},
	{"WINE-BDX", "collectibles", "24.75", "600000", 4.1},
}

var (
	configPath string
	tokenTTL   time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "fracex-seed",
	Short:        "Seeds the ledger with assets, wallets and holdings for local runs",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return seed(cmd.Context())
	},
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a config file")
	rootCmd.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed trader tokens")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func seed(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("FRACEX_DATABASE_URL must be set to seed")
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	var existing []models.Asset
	err = database.View(ctx, func(tx ledger.Tx) error {
		existing, err = tx.Assets().List(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to check assets: %w", err)
	}
	if len(existing) > 0 {
		fmt.Printf("Database already has %d assets. No need to seed.\n", len(existing))
		return nil
	}

	buyer, seller := uuid.New(), uuid.New()
	now := time.Now().UTC()

	err = database.WithTx(ctx, func(tx ledger.Tx) error {
		for _, w := range []models.Wallet{
			{UserID: buyer, Balance: decimal.NewFromInt(100000), UpdatedAt: now},
			{UserID: seller, Balance: decimal.NewFromInt(25000), UpdatedAt: now},
		} {
			if err := tx.Wallets().Save(ctx, &w); err != nil {
				return fmt.Errorf("create wallet: %w", err)
			}
		}

		for _, s := range assets {
			a := &models.Asset{
				Symbol:          s.symbol,
				CurrentPrice:    decimal.RequireFromString(s.price),
				MarketCap:       decimal.RequireFromString(s.marketCap),
				MarketCategory:  s.category,
				SentimentScore:  50,
				DemandIndex:     50,
				ExpectedROI:     s.roi,
				TradingPhase:    models.PhaseSecondary,
				DailyVolume:     decimal.Zero,
				LastPriceUpdate: now,
			}
			if err := tx.Assets().Create(ctx, a); err != nil {
				return err
			}

			p := &models.Portfolio{UserID: seller, AssetID: a.ID}
			p.ApplyBuy(decimal.NewFromInt(500), a.CurrentPrice, now)
			if err := tx.Portfolios().Save(ctx, p); err != nil {
				return fmt.Errorf("create position: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed: %w", err)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	for _, u := range []struct {
		name string
		id   uuid.UUID
	}{{"buyer", buyer}, {"seller", seller}} {
		token, err := verifier.Sign(u.id, tokenTTL)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		fmt.Printf("%-6s %s\n       %s\n", u.name, u.id, token)
	}

	fmt.Printf("Successfully seeded %d assets.\n", len(assets))
	return nil
}
