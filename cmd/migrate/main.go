package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/matheusmosca/marketplace-checkout/internal/config"
	"github.com/matheusmosca/marketplace-checkout/internal/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := cfg.NewLogger()

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for i := 0; i < 30; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		log.Info("⏳ Waiting for database...", "attempt", i+1)
		time.Sleep(time.Second)
	}
	if err != nil {
		log.Error("Database never became ready", "error", err)
		os.Exit(1)
	}

	ms, err := migrations.Load()
	if err != nil {
		log.Error("Failed to load migrations", "error", err)
		os.Exit(1)
	}
	applied, err := migrations.NewRunner(db, log).Up(ctx, ms)
	if err != nil {
		log.Error("Migration failed", "error", err, "applied", applied)
		os.Exit(1)
	}
	log.Info("✅ Migrations complete", "applied", len(applied))
}
