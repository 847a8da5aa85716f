// Command migrate applies the embedded goose migrations to DATABASE_URL.
//
// Usage:
//
//	go run ./cmd/migrate up              # apply all pending migrations
//	go run ./cmd/migrate down            # roll back the last migration
//	go run ./cmd/migrate status          # show applied and pending migrations
//	go run ./cmd/migrate version         # show current schema version
//	go run ./cmd/migrate redo            # roll back and re-apply the last migration
//	go run ./cmd/migrate up-to 00004     # migrate up to a version
//	go run ./cmd/migrate down-to 00003   # roll back to a version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/chatgate/migrations"
)

// commands that work against the embedded, read-only migration set.
var commands = map[string]bool{
	"up": true, "up-by-one": true, "up-to": true,
	"down": true, "down-to": true, "redo": true, "reset": true,
	"status": true, "version": true, "validate": true,
}

func main() {
	if len(os.Args) < 2 || !commands[os.Args[1]] {
		fmt.Println("Usage: migrate <command> [version]")
		fmt.Println("Commands: up, up-by-one, up-to, down, down-to, redo, reset, status, version, validate")
		os.Exit(1)
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	command, args := os.Args[1], os.Args[2:]
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		log.Printf("Migration %s failed: %v", command, err)
		cancel()
		os.Exit(1)
	}
}
