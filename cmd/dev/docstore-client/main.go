package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/garnizeh/nudge/internal/config"
	"github.com/garnizeh/nudge/pkg/docstore"
)

// Prints the documents of a collection edited since a given time, following
// the pagination cursor.
func main() {
	var (
		configPath = flag.String("config", "", "Path to config YAML file")
		collection = flag.String("collection", "", "collection to list (defaults to remote.prefs_collection)")
		since      = flag.Duration("since", 24*time.Hour, "list documents edited within this window")
		pageSize   = flag.Int("page-size", 50, "documents per page")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *collection == "" {
		*collection = cfg.Remote.PrefsCollection
	}

	client, err := docstore.NewDefaultClient(cfg.Remote)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	from := time.Now().UTC().Add(-*since)
	cursor, total := "", 0
	for {
		page, err := client.ListEditedSince(ctx, *collection, from, cursor, *pageSize)
		if err != nil {
			log.Fatal(err)
		}
		for _, d := range page.Results {
			if err := enc.Encode(d); err != nil {
				log.Fatal(err)
			}
		}
		total += len(page.Results)
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	fmt.Fprintf(os.Stderr, "%d documents edited since %s\n", total, from.Format(time.RFC3339))
}
