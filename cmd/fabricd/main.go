// Package main is the entrypoint for the fabric node (binary name "fabricd" in Docker).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"

	"github.com/morezero/agent-fabric/internal/config"
	"github.com/morezero/agent-fabric/internal/server"
	"github.com/morezero/agent-fabric/pkg/journal"
)

const usage = `Usage: fabricd [command]
       fabricd serve               Start the fabric node (COMMS, HTTP, heartbeat monitor).
       fabricd ensure-db [name]    Create the journal database if missing (default name: fabric_test). Uses DATABASE_URL host/user.
       fabricd clear               Truncate the delivery journal; schema is preserved.
       fabricd recent [n]          Print the n most recent journal entries as JSON (default 20).

Commands:
  serve            (default) Start the fabric node.
  ensure-db [name] Create database (e.g. fabric_test) on same host as DATABASE_URL; then run tests with that URL.
  clear            Truncate journal data; schema preserved.
  recent [n]       Print recent deliveries from the journal.

Environment: COMMS_URL, AGENT_ID, DATABASE_URL (journal commands), FABRIC_JOURNAL, FABRIC_BOOTSTRAP_FILE. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "ensure-db":
		dbName := "fabric_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("fabricd ensure-db: %v", err)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("fabricd clear: %v", err)
		}
		return
	case "recent":
		limit := 20
		if len(args) > 1 && args[1] != "" {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				log.Fatalf("fabricd recent: bad limit %q", args[1])
			}
			limit = n
		}
		if err := runRecent(limit); err != nil {
			log.Fatalf("fabricd recent: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("fabricd: %v", err)
	}
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Replace path with target database name; query (e.g. sslmode) is kept on u.RawQuery.
	u.Path = "/" + dbName
	targetURL := u.String()
	ctx := context.Background()
	if err := journal.EnsureDatabase(ctx, targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := journal.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := journal.ClearJournal(ctx, pool); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

func runRecent(limit int) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := journal.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	entries, err := journal.NewPGRecorder(pool).Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
