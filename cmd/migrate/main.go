// Command migrate manages the credit record schema.
//
// Usage:
//
//	migrate up             apply pending migrations
//	migrate down           roll back the last migration
//	migrate up-to <v>      apply up to and including version v
//	migrate down-to <v>    roll back to version v
//	migrate status         list migrations and when they were applied
//	migrate version        print the current schema version
//
// DATABASE_URL selects the database. The SQL is embedded in the binary.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/cipherscore/internal/logging"
	"github.com/mbd888/cipherscore/migrations"
)

const usage = "usage: migrate up | down | up-to <version> | down-to <version> | status | version"

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	switch cmd := args[0]; cmd {
	case "up":
		res, err := p.Up(ctx)
		printResults(res)
		return err
	case "down":
		r, err := p.Down(ctx)
		if r != nil {
			printResults([]*goose.MigrationResult{r})
		}
		return err
	case "up-to", "down-to":
		if len(args) < 2 {
			return errors.New(usage)
		}
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("version %q: %w", args[1], err)
		}
		var res []*goose.MigrationResult
		if cmd == "up-to" {
			res, err = p.UpTo(ctx, v)
		} else {
			res, err = p.DownTo(ctx, v)
		}
		printResults(res)
		return err
	case "status":
		st, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range st {
			applied := "-"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-6d %-8s %-20s %s\n", s.Source.Version, s.State, applied, s.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func printResults(res []*goose.MigrationResult) {
	if len(res) == 0 {
		fmt.Println("no migrations to run")
		return
	}
	for _, r := range res {
		fmt.Printf("%-4s %-6d %-24s %s\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(1e6))
	}
}
