package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/splax/localvercel/edge/internal/app/migrate"
	"github.com/splax/localvercel/edge/pkg/config"
	"github.com/splax/localvercel/edge/pkg/logger"
)

func main() {
	cfg := config.LoadEdgeConfig()
	command := pflag.StringP("command", "c", "up", "migrate command (up|status|down)")
	timeout := pflag.Duration("timeout", time.Minute, "command timeout")
	target := pflag.Int64("target", 0, "target version for down command (optional)")
	pflag.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	pflag.Parse()

	log := logger.New("edge-migrate", slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		var rows []migrate.Migration
		rows, err = runner.Status(ctx)
		for _, row := range rows {
			if row.Applied {
				log.Info("migration", "version", row.Version, "path", row.Path, "applied_at", row.AppliedAt.Format(time.RFC3339))
			} else {
				log.Info("migration", "version", row.Version, "path", row.Path, "pending", true)
			}
		}
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", *command)
}
