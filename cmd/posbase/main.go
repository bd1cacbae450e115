// Command posbase is the maintenance CLI for the POS storage layer:
// backend status, index drift checks and rebuilds, initial data seeding,
// raw key listing, and export to PostgreSQL.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mingkwai/posbase"
	"github.com/mingkwai/posbase/internal/pgmigrate"
)

// Collections the admin console and H5 ordering page operate on. The store
// itself is collection-agnostic; this list only drives bulk tooling.
var knownCollections = []string{
	"dishes", "orders", "hotel_rooms", "ktv_rooms", "expenses",
	"inventory", "sign_bill_accounts", "payment_methods",
	"system_settings", "audit_log",
}

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}

	logger, err := posbase.NewProductionZapLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := posbase.ConfigFromEnv()
	cfg.Logger = logger
	cfg.Metrics = posbase.NewPrometheusMetrics(prometheus.NewRegistry())

	storage, err := posbase.Open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "storage init failed:", err)
		os.Exit(1)
	}
	defer storage.Close()

	// Secondary index conventions used by the ordering UI
	storage.RegisterBucket("dishes", "category")

	ctx := context.Background()

	var runErr error
	switch os.Args[1] {
	case "status":
		runErr = runStatus(ctx, storage)
	case "check":
		runErr = runCheck(ctx, storage, os.Args[2:])
	case "repair":
		runErr = runRepair(ctx, storage, os.Args[2:])
	case "seed":
		runErr = runSeed(ctx, storage)
	case "keys":
		runErr = runKeys(ctx, storage, os.Args[2:])
	case "export-pg":
		runErr = runExportPG(ctx, storage, os.Args[2:])
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "error:", runErr)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`posbase - POS storage maintenance

Usage:
  posbase status                     Show backend info and connectivity
  posbase check [collection]         Report index drift (read-only)
  posbase repair [collection]        Rebuild indexes from record keys
  posbase seed                       Load the initial dataset (real backends only)
  posbase keys <pattern>             List raw keys matching a glob
  posbase export-pg --pg-url <url>   Copy all collections into PostgreSQL

Backend selection (environment):
  REDIS_URL / UPSTASH_REDIS_URL  Redis or Upstash-compatible server
  DATA_PATH                      Filesystem data directory
  (neither set)                  Non-persistent in-process fallback`)
}

func runStatus(ctx context.Context, storage *posbase.Storage) error {
	status := storage.Status()
	fmt.Printf("backend:     %s\n", status.Type)
	fmt.Printf("description: %s\n", status.Description)
	fmt.Printf("real:        %v\n", status.Real)

	if err := storage.Ping(ctx); err != nil {
		fmt.Println("ping:        FAILED")
		return err
	}
	fmt.Println("ping:        ok")
	return nil
}

func targetCollections(args []string) []string {
	if len(args) > 0 && args[0] != "" {
		return []string{args[0]}
	}
	return knownCollections
}

func runCheck(ctx context.Context, storage *posbase.Storage, args []string) error {
	drifted := false
	for _, collection := range targetCollections(args) {
		report, err := storage.Repair().Check(ctx, collection)
		if err != nil {
			return err
		}
		printReport(report)
		if report.Drifted() {
			drifted = true
		}
	}
	if drifted {
		return fmt.Errorf("drift detected; run 'posbase repair' to rebuild")
	}
	return nil
}

func runRepair(ctx context.Context, storage *posbase.Storage, args []string) error {
	for _, collection := range targetCollections(args) {
		report, err := storage.Repair().Rebuild(ctx, collection)
		if err != nil {
			return err
		}
		printReport(report)
	}
	return nil
}

func printReport(report *posbase.DriftReport) {
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}

func runSeed(ctx context.Context, storage *posbase.Storage) error {
	return posbase.NewSeeder(storage).Seed(ctx)
}

func runKeys(ctx context.Context, storage *posbase.Storage, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: posbase keys <pattern>")
	}
	keys, err := storage.KV().Keys(ctx, args[0])
	if err != nil {
		return err
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}

func runExportPG(ctx context.Context, storage *posbase.Storage, args []string) error {
	fs := flag.NewFlagSet("export-pg", flag.ExitOnError)
	pgURL := fs.String("pg-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pgURL == "" {
		return fmt.Errorf("export-pg requires --pg-url or DATABASE_URL")
	}

	result, err := pgmigrate.Export(ctx, storage.KV(), knownCollections, *pgURL)
	if err != nil {
		return err
	}
	for collection, count := range result.Collections {
		fmt.Printf("%-20s %d records\n", collection, count)
	}
	return nil
}
