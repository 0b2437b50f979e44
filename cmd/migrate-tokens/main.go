// Package main seals plaintext OAuth tokens already stored in oauth_tokens
// with the key in ENCRYPTION_KEY. Rows that are already sealed are left alone,
// so the tool can be re-run safely.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/crypto"
	"github.com/onnwee/stream-herald/db"
)

type resealer interface {
	ResealOAuthTokens(ctx context.Context, dryRun bool) ([]string, error)
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	c, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize cipher", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := migrate(ctx, db.NewStore(database, db.WithCipher(c)), *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called above
	}
	if *dryRun {
		fmt.Printf("Dry run: %d token row(s) would be sealed\n", n)
		return
	}
	fmt.Printf("Sealed %d token row(s)\n", n)
}

// migrate reseals every plaintext token row and returns how many were found.
func migrate(ctx context.Context, r resealer, dryRun bool) (int, error) {
	providers, err := r.ResealOAuthTokens(ctx, dryRun)
	if err != nil {
		return 0, err
	}
	for _, p := range providers {
		if dryRun {
			slog.Info("would seal token", slog.String("provider", p))
			continue
		}
		slog.Info("sealed token", slog.String("provider", p))
	}
	return len(providers), nil
}
