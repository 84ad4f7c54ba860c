package main

import (
	"context"
	"fmt"
	"os"

	dbfs "github.com/garnizeh/nudge/db"
	"github.com/garnizeh/nudge/internal/config"
	"github.com/garnizeh/nudge/internal/db"
)

func main() {
	ctx := context.Background()
	cfg, err := config.LoadConfig(os.Getenv("NUDGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	database, err := db.New(ctx, cfg.DatabasePath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DB init error: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	// creates tables and seeds pref_document/v1
	if err := db.Migrate(ctx, database, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		fmt.Fprintf(os.Stderr, "Migration runner error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database %s initialized successfully.\n", cfg.DatabasePath)
}
