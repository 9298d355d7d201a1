package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var rootCmd = &cobra.Command{
	Use:   "ctfctl",
	Short: "Operator client for the CTF ledger",
	Long: `ctfctl builds ledger commands, signs orders with a maker key and
publishes them on the ledger's NATS command stream.

Settings fall back to CTF_NATS_URL and CTF_CHAIN_ID, read from the
environment or a .env file in the working directory.`,
	SilenceUsage: true,
}

//nolint:gochecknoglobals // Cobra boilerplate
var natsURL string

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&natsURL, "nats", envOr("CTF_NATS_URL", "nats://localhost:4222"),
		"NATS server URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
