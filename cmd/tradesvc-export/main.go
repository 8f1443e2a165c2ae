// tradesvc-export archives the ledger's fills to Parquet files for offline
// analysis. Safe to re-run: fills merge by ID.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"tradesvc/internal/config"
	"tradesvc/internal/store"
)

func main() {
	dataDir := flag.String("data-dir", "", "output directory (defaults to storage.data_dir from config)")
	flag.Parse()

	cfgPath := "config/tradesvc.yaml"
	if p := os.Getenv("TRADESVC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dataDir == "" {
		*dataDir = cfg.Storage.DataDir
	}

	ledger, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer ledger.Close()

	fills, err := ledger.ListFills(context.Background())
	if err != nil {
		log.Fatalf("failed to read fills: %v", err)
	}
	if len(fills) == 0 {
		fmt.Println("no fills to export")
		return
	}

	archive := store.NewParquetArchive(*dataDir)
	if err := archive.WriteFills(fills); err != nil {
		log.Fatalf("failed to write archive: %v", err)
	}
	fmt.Printf("exported %d fills to %s\n", len(fills), *dataDir)
}
