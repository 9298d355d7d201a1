package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"CTFLedger/internal/config"
	"CTFLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config path] <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CTF_POSTGRES_DSN - Postgres connection string")
	fmt.Println("  CTF_CONFIG       - path to the TOML config")
}

func main() {
	configPath := flag.String("config", "", "path to TOML config")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger("migrate")

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, persistence.Migrations(), logger)

	switch flag.Arg(0) {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolledBack, err := migrator.Down(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		if rolledBack {
			logger.Info().Msg("last migration rolled back")
		} else {
			logger.Info().Msg("nothing to roll back")
		}

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			mark := " "
			if s.Applied {
				mark = "x"
			}
			fmt.Printf("[%s] %s  %s\n", mark, s.Version, s.File)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use up, down or status)\n", flag.Arg(0))
		os.Exit(1)
	}
}
