// Command migrate runs schema operations for the backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"chatterbox/internal/config"
	"chatterbox/internal/database"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <up|status|drop> [-force]")
}

func run() error {
	force := flag.Bool("force", false, "Allow drop outside development")
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.ConnectWithOptions(cfg, database.ConnectOptions{ApplySchema: false})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(flag.Arg(0))) {
	case "up":
		if err := database.Migrate(db.WithContext(ctx)); err != nil {
			return err
		}
		log.Println("schema applied")
	case "status":
		status, err := database.SchemaStatus(ctx, db)
		if err != nil {
			return fmt.Errorf("schema status failed: %w", err)
		}
		missing := 0
		for _, st := range status {
			state := "present"
			if !st.Exists {
				state = "missing"
				missing++
			}
			log.Printf("%-24s %s", st.Table, state)
		}
		log.Printf("env=%s tables=%d missing=%d", cfg.Env, len(status), missing)
	case "drop":
		if cfg.IsProduction() || (!*force && cfg.Env != "development") {
			return fmt.Errorf("refusing to drop tables in env %q (pass -force outside development; never allowed in production)", cfg.Env)
		}
		if err := database.DropAll(ctx, db); err != nil {
			return fmt.Errorf("drop failed: %w", err)
		}
		log.Println("all tables dropped")
	default:
		return usage()
	}

	return nil
}
