package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"adsync/internal/audit"
	"adsync/internal/config"
	"adsync/internal/fact"
	"adsync/internal/loader"
	"adsync/internal/metrics"
	"adsync/internal/metrics/datadog"
	"adsync/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we build in support for all of them.
	_ "adsync/internal/storage/mssql"
	_ "adsync/internal/storage/mysql"
	_ "adsync/internal/storage/postgres"
	_ "adsync/internal/storage/sqlite"
)

// main is the entry point for the adsync binary. It loads the job
// config, optionally initializes the metrics backend, and runs one of
// the load / audit / purge modes.
func main() {
	var (
		cfgPath   string
		inputPath string
		mode      string
		accountID string
		dateFrom  string
		dateTo    string
		yes       bool
	)

	flag.StringVar(&cfgPath, "config", "configs/adsync.json", "job config JSON path")
	flag.StringVar(&inputPath, "input", "", "input CSV path (mode=load)")
	flag.StringVar(&mode, "mode", "load", "load | audit | purge")
	flag.StringVar(&accountID, "account", "", "restrict audit/purge to one account")
	flag.StringVar(&dateFrom, "from", "", "restrict audit/purge to processing_date >= YYYY-MM-DD")
	flag.StringVar(&dateTo, "to", "", "restrict audit/purge to processing_date <= YYYY-MM-DD")
	flag.BoolVar(&yes, "yes", false, "confirm destructive purge")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	var backend metrics.Backend = metrics.Nop{}
	if cfg.Metrics.Enabled {
		// The Datadog backend buffers and submits periodically; Close()
		// stops the loop and performs the final flush.
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    cfg.Metrics.JobName,
			Tags:       datadog.ParseTagsCSV(cfg.Metrics.Tags),
			FlushEvery: time.Duration(cfg.Metrics.FlushEverySeconds) * time.Second,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			log.Printf("metrics: backend=datadog job_name=%v", cfg.Metrics.JobName)
			backend = b
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}
	}

	ctx := context.Background()

	repo, err := storage.New(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fatalf("storage: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureFactTable(ctx, fact.TableSpec(cfg.Storage.Table)); err != nil {
		fatalf("%v", err)
	}

	scope := storage.AuditScope{
		Table:      cfg.Storage.Table,
		KeyColumns: fact.KeyColumns(),
		AccountID:  accountID,
		DateFrom:   dateFrom,
		DateTo:     dateTo,
	}

	switch mode {
	case "load":
		if err := runLoad(ctx, cfg, repo, backend, inputPath, *verbose); err != nil {
			log.Fatalf("%v", err)
		}

	case "audit":
		if err := runAudit(ctx, repo, scope); err != nil {
			log.Fatalf("%v", err)
		}

	case "purge":
		if !yes {
			fatalf("purge deletes superseded duplicate rows; re-run with -yes to confirm")
		}
		a := audit.New(repo, log.Default())
		deleted, err := a.PurgeSuperseded(ctx, scope)
		if err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Printf("purged %d superseded rows from %s\n", deleted, scope.Table)

	default:
		fatalf("unknown mode %q (want load, audit or purge)", mode)
	}
}

func runLoad(ctx context.Context, cfg config.Config, repo storage.Repository, backend metrics.Backend, inputPath string, verbose bool) error {
	if inputPath == "" {
		return fmt.Errorf("mode=load requires -input")
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var badLines int
	records, err := fact.ReadCSV(ctx, f, func(line int, err error) {
		badLines++
		log.Printf("stage=parse input=%s line=%d err=%v", inputPath, line, err)
	})
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if badLines > 0 {
		log.Printf("stage=parse input=%s skipped=%d", inputPath, badLines)
	}
	if len(records) == 0 {
		return fmt.Errorf("no parseable records in %s", inputPath)
	}

	l := &loader.Loader{
		Repo:          repo,
		BulkThreshold: cfg.Loader.BulkThreshold,
		Logger:        log.Default(),
		Metrics:       backend,
	}

	res, err := l.Load(ctx, loader.Request{
		Table:   cfg.Storage.Table,
		Records: records,
	})
	if err != nil {
		return err
	}

	if verbose {
		log.Printf("loaded records=%d strategy=%s duration=%s",
			res.RecordsProcessed, res.Strategy, res.Duration.Truncate(time.Millisecond))
	}
	fmt.Printf("loaded %d records into %s via %s in %s\n",
		res.RecordsProcessed, cfg.Storage.Table, res.Strategy, res.Duration.Truncate(time.Millisecond))
	return nil
}

func runAudit(ctx context.Context, repo storage.Repository, scope storage.AuditScope) error {
	a := audit.New(repo, log.Default())

	completeness, err := a.KeyCompleteness(ctx, scope)
	if err != nil {
		return err
	}
	duplicates, err := a.DuplicateKeys(ctx, scope)
	if err != nil {
		return err
	}

	if completeness.Clean() && duplicates.Clean() {
		fmt.Printf("%s: clean (no NULL key components, no duplicate keys)\n", scope.Table)
		return nil
	}

	for col, n := range completeness.NullsByColumn {
		if n > 0 {
			fmt.Printf("%s: column %s has %d NULL rows\n", scope.Table, col, n)
		}
	}
	if duplicates.Surplus > 0 {
		fmt.Printf("%s: %d surplus duplicate rows\n", scope.Table, duplicates.Surplus)
		for _, g := range duplicates.Groups {
			fmt.Printf("  key=%s rows=%d\n", g.Key, g.Rows)
		}
	}
	return nil
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
