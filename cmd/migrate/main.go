package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"relay-chat/internal/config"
	"relay-chat/internal/store/postgres"
	"relay-chat/pkg/logger"
)

const usage = `
Relay Chat - Database CLI Tool

Usage:
  migrate [command] [flags]

Commands:
  up          Apply all SQL migrations
  status      Show database connection status

Flags:
  -migrations string   Path to migrations directory (default "migrations")

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go status
`

func main() {
	migrationsDir := flag.String("migrations", "migrations", "Path to migrations directory")
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Environment)
	defer log.Sync()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Database.URL, log)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	defer pool.Close()

	switch command {
	case "up":
		if err := postgres.ApplyMigrations(ctx, pool, *migrationsDir, log); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		log.Info("migrations applied")
	case "status":
		if err := pool.Ping(ctx); err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		log.Info("database connection ok")
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
