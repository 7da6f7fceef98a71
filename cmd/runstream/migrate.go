package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/Strob0t/runstream/internal/adapter/postgres"
	"github.com/Strob0t/runstream/internal/config"
)

func runMigrate(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: runstream migrate <up|down|version> [--steps N] [--config path]")
	}
	action := args[0]

	fs := flag.NewFlagSet("migrate "+action, flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to the YAML config file")
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("migrate needs postgres.dsn to be configured")
	}

	ctx := context.Background()
	switch action {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		if *steps < 1 {
			return errors.New("--steps must be at least 1")
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action: %s", action)
	}

	version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "archive schema version: %d\n", version)
	return nil
}
