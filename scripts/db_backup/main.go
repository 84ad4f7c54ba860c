package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/garnizeh/nudge/internal/config"
	"github.com/garnizeh/nudge/internal/db"
)

// Writes a consistent copy with VACUUM INTO, so the worker may keep running
// while the backup is taken.
func main() {
	ctx := context.Background()
	cfg, err := config.LoadConfig(os.Getenv("NUDGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	dst := cfg.DatabasePath + ".bak"
	if len(os.Args) > 1 {
		dst = os.Args[1]
	}
	if _, err := os.Stat(dst); err == nil {
		// VACUUM INTO refuses to overwrite
		stamped := fmt.Sprintf("%s.%s", dst, time.Now().UTC().Format("20060102T150405Z"))
		if err := os.Rename(dst, stamped); err != nil {
			fmt.Fprintf(os.Stderr, "Backup error: %v\n", err)
			os.Exit(1)
		}
	}

	database, err := db.New(ctx, cfg.DatabasePath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backup error: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	if _, err := database.Exec(ctx, `VACUUM INTO ?`, dst); err != nil {
		fmt.Fprintf(os.Stderr, "Backup error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database backup written to %s.\n", dst)
}
