package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/garnizeh/nudge/internal/config"
	"github.com/garnizeh/nudge/internal/db"
)

// Restores the database from a backup. Stop the worker first.
func main() {
	cfg, err := config.LoadConfig(os.Getenv("NUDGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	dst := cfg.DatabasePath
	src := dst + ".bak"
	if len(os.Args) > 1 {
		src = os.Args[1]
	}

	if _, err := os.Stat(src); err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}

	// refuse to restore something that is not a nudge database
	check, err := db.New(context.Background(), src, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}
	var n int
	err = check.QueryRow(context.Background(), `SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = 'sync_queue'`).Scan(&n)
	check.Close()
	if err != nil || n != 1 {
		fmt.Fprintf(os.Stderr, "Restore error: %s is not a nudge database\n", src)
		os.Exit(1)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}
	defer dstFile.Close()

	if _, err = io.Copy(dstFile, srcFile); err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}
	// stale WAL files would be replayed over the restored copy
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dst + suffix)
	}

	fmt.Println("Database restore completed.")
}
