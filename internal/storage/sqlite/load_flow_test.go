package sqlite

import (
	"context"
	"fmt"
	"testing"

	"adsync/internal/fact"
	"adsync/internal/loader"
	"adsync/internal/storage"
)

// Drives a duplicate-laden batch through the full loader path into a
// real database and verifies the store ends up duplicate-free with the
// additive metrics summed, on both write strategies.
func TestLoadCollapsesDuplicatesEndToEnd(t *testing.T) {
	t.Parallel()

	repo, path := newTestRepo(t)
	ctx := context.Background()

	if err := repo.EnsureFactTable(ctx, fact.TableSpec("ad_facts")); err != nil {
		t.Fatalf("EnsureFactTable() err=%v", err)
	}

	// 40 distinct keys, three records each: 120 raw rows collapsing to 40.
	var batch []fact.Record
	for i := 0; i < 40; i++ {
		city := fmt.Sprintf("city-%03d", i)
		batch = append(batch,
			testRecord(city, int64(i+1)),
			testRecord(city, int64(i+1)*10),
			testRecord(city, int64(i+1)*100),
		)
	}

	l := &loader.Loader{Repo: repo, BulkThreshold: 30}
	res, err := l.Load(ctx, loader.Request{Table: "ad_facts", Records: batch})
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if res.Strategy != loader.StrategyBulkStaged {
		t.Fatalf("strategy=%s, want %s (40 collapsed >= threshold 30)", res.Strategy, loader.StrategyBulkStaged)
	}
	if res.RecordsProcessed != 40 {
		t.Fatalf("RecordsProcessed=%d, want 40", res.RecordsProcessed)
	}

	db := openRaw(t, path)
	if n := countRows(t, db, "ad_facts"); n != 40 {
		t.Fatalf("ad_facts rows=%d, want 40", n)
	}
	var impressions int64
	if err := db.QueryRow("SELECT impressions FROM ad_facts WHERE city = 'city-004'").Scan(&impressions); err != nil {
		t.Fatalf("select city-004: %v", err)
	}
	if impressions != 555 {
		t.Fatalf("city-004 impressions=%d, want 555 (5 + 50 + 500)", impressions)
	}

	scope := storage.AuditScope{Table: "ad_facts", KeyColumns: fact.KeyColumns()}
	total, groups, err := repo.CountDuplicateKeys(ctx, scope)
	if err != nil {
		t.Fatalf("CountDuplicateKeys() err=%v", err)
	}
	if total != 0 || len(groups) != 0 {
		t.Fatalf("staged load left duplicates: total=%d groups=%v", total, groups)
	}

	// Replay the same batch through the direct path: the upsert must
	// overwrite in place, never widen the table.
	direct := &loader.Loader{Repo: repo, BulkThreshold: 1000}
	res, err = direct.Load(ctx, loader.Request{Table: "ad_facts", Records: batch})
	if err != nil {
		t.Fatalf("Load() replay err=%v", err)
	}
	if res.Strategy != loader.StrategyDirectBatch {
		t.Fatalf("replay strategy=%s, want %s", res.Strategy, loader.StrategyDirectBatch)
	}
	if n := countRows(t, db, "ad_facts"); n != 40 {
		t.Fatalf("ad_facts rows after replay=%d, want 40", n)
	}

	total, _, err = repo.CountDuplicateKeys(ctx, scope)
	if err != nil {
		t.Fatalf("CountDuplicateKeys() replay err=%v", err)
	}
	if total != 0 {
		t.Fatalf("direct replay left %d duplicate rows", total)
	}
}
