package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/finmark/finmark/internal/config"
	"github.com/finmark/finmark/internal/dashboard"
	"github.com/finmark/finmark/internal/org"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo organizations and dashboard data",
	Long:  "Seeds a handful of demo organizations with dashboard data. No users are created, so the first visit still runs the bootstrap flow.",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoOrgs = []org.CreateOrgInput{
	{
		Name:        "Meridian Capital",
		Description: "Mid-market investment firm tracking portfolio performance.",
		Type:        org.TypeFinancial,
		Plan:        "standard",
	},
	{
		Name:        "Northwind Health",
		Description: "Regional clinic network monitoring patient volume and billing.",
		Type:        org.TypeHealthcare,
		Plan:        "standard",
	},
	{
		Name:        "Atlas Fabrication",
		Description: "Contract manufacturer watching production throughput and scrap rates.",
		Type:        org.TypeManufacturing,
		Plan:        "trial",
	},
	{
		Name:        "Juniper Goods",
		Description: "Online retailer following revenue, orders, and conversion.",
		Type:        org.TypeEcommerce,
		Plan:        "trial",
	},
}

// demoSeries maps dashboard kinds to the series each demo org gets.
var demoSeries = map[dashboard.Kind][]string{
	dashboard.KindFinancial: {"revenue", "expenses", "net_income"},
	dashboard.KindEcommerce: {"orders", "conversion_rate"},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	orgStore := org.NewStore(pool)
	dashStore := dashboard.NewStore(pool)

	created := 0
	for _, in := range demoOrgs {
		o, err := orgStore.Create(ctx, in)
		if err != nil {
			if errors.Is(err, org.ErrDuplicate) {
				slog.Info("organization already exists, skipping", "name", in.Name)
				continue
			}
			return fmt.Errorf("creating organization %q: %w", in.Name, err)
		}
		created++

		if err := seedDashboards(ctx, dashStore, o.ID); err != nil {
			return fmt.Errorf("seeding dashboards for %q: %w", in.Name, err)
		}
	}

	slog.Info("seed complete", "organizations_created", created)
	return nil
}

// seedDashboards writes twelve months of synthetic history per series.
// Values are deterministic so repeated seeds stay stable.
func seedDashboards(ctx context.Context, store *dashboard.Store, orgID string) error {
	start := time.Now().UTC().AddDate(-1, 0, 0)
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)

	for kind, labels := range demoSeries {
		for li, label := range labels {
			base := float64(1000 * (li + 1))
			for month := 0; month < 12; month++ {
				period := start.AddDate(0, month, 0)
				value := base + float64(month)*base*0.04
				if err := store.Insert(ctx, orgID, kind, label, period, value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
