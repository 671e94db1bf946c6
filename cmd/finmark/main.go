package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "finmark",
	Short: "FinMark — multi-tenant analytics dashboards",
	Long:  "FinMark is a multi-tenant analytics dashboard backend: role-based access control, first-run bootstrap, invitation-based onboarding, and per-organization dashboards over Postgres.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/finmark.yaml)")
}

func main() {
	// A .env file is optional; missing is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
