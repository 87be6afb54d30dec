package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"adsync/internal/encode"
	"adsync/internal/fact"
	"adsync/internal/storage"
)

// These tests run the full Repository contract against a real database
// file. SQLite is the embedded backend, so this is the cheapest place to
// verify the semantics the server backends share: idempotent upsert,
// staged merge, audits, purge.

func newTestRepo(t *testing.T) (storage.Repository, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "facts.db")
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: path})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	t.Cleanup(repo.Close)
	return repo, path
}

func openRaw(t *testing.T, path string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(city string, impressions int64) fact.Record {
	return fact.Record{
		Key: fact.Key{
			AccountID:       "acc-1",
			PlatformID:      "meta",
			CampaignID:      "camp-9",
			AdsetID:         "set-3",
			AdvertisementID: "ad-77",
			PlacementID:     "feed",
			ProcessingDate:  "2026-08-30",
			AgeGroup:        "25-34",
			Gender:          "female",
			CountryCode:     "CZ",
			Region:          "Praha",
			City:            city,
		},
		Impressions: impressions,
		Clicks:      impressions / 10,
		CTR:         0.1,
	}
}

func writeRequest(records []fact.Record) storage.WriteRequest {
	columns := fact.Columns()
	rows := make([][]any, len(records))
	for i := range records {
		rows[i] = records[i].Values()
	}
	return storage.WriteRequest{
		Table:         "ad_facts",
		Columns:       columns,
		KeyColumns:    fact.KeyColumns(),
		UpdateColumns: fact.UpdateColumns(),
		Rows:          rows,
		Encoder:       encode.New(columns),
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func impressionsFor(t *testing.T, db *sql.DB, city string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow("SELECT impressions FROM ad_facts WHERE city = ?", city).Scan(&n); err != nil {
		t.Fatalf("impressions for %s: %v", city, err)
	}
	return n
}

func TestEnsureFactTableIdempotent(t *testing.T) {
	t.Parallel()

	repo, _ := newTestRepo(t)
	ctx := context.Background()
	spec := fact.TableSpec("ad_facts")

	if err := repo.EnsureFactTable(ctx, spec); err != nil {
		t.Fatalf("first EnsureFactTable: %v", err)
	}
	if err := repo.EnsureFactTable(ctx, spec); err != nil {
		t.Fatalf("second EnsureFactTable: %v", err)
	}

	if _, err := repo.InsertDirect(ctx, writeRequest([]fact.Record{testRecord("Prague", 1)})); err != nil {
		t.Fatalf("insert after ensure: %v", err)
	}
}

func TestInsertDirectIsIdempotentUpsert(t *testing.T) {
	t.Parallel()

	repo, path := newTestRepo(t)
	ctx := context.Background()
	if err := repo.EnsureFactTable(ctx, fact.TableSpec("ad_facts")); err != nil {
		t.Fatalf("EnsureFactTable: %v", err)
	}

	first := []fact.Record{
		testRecord("Prague", 100),
		testRecord("Brno", 200),
		testRecord("Ostrava", 300),
	}
	if _, err := repo.InsertDirect(ctx, writeRequest(first)); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// Same keys, new metrics: replay must update in place, never add rows.
	second := []fact.Record{
		testRecord("Prague", 150),
		testRecord("Brno", 200),
	}
	if _, err := repo.InsertDirect(ctx, writeRequest(second)); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	db := openRaw(t, path)
	if n := countRows(t, db, "ad_facts"); n != 3 {
		t.Fatalf("rows=%d, want 3 (upsert must not duplicate)", n)
	}
	if n := impressionsFor(t, db, "Prague"); n != 150 {
		t.Fatalf("Prague impressions=%d, want 150 (overwritten)", n)
	}
	if n := impressionsFor(t, db, "Ostrava"); n != 300 {
		t.Fatalf("Ostrava impressions=%d, want 300 (untouched)", n)
	}
}

func TestMergeStagedLoadsAndReplaysCleanly(t *testing.T) {
	t.Parallel()

	repo, path := newTestRepo(t)
	ctx := context.Background()
	if err := repo.EnsureFactTable(ctx, fact.TableSpec("ad_facts")); err != nil {
		t.Fatalf("EnsureFactTable: %v", err)
	}

	batch := make([]fact.Record, 0, 600)
	for i := 0; i < 600; i++ {
		batch = append(batch, testRecord(fmt.Sprintf("city-%03d", i), int64(i)))
	}

	if _, err := repo.MergeStaged(ctx, writeRequest(batch)); err != nil {
		t.Fatalf("first staged merge: %v", err)
	}

	db := openRaw(t, path)
	if n := countRows(t, db, "ad_facts"); n != 600 {
		t.Fatalf("rows=%d, want 600", n)
	}

	// Replay with one changed metric: still 600 rows, value converges.
	batch[42].Impressions = 4242
	if _, err := repo.MergeStaged(ctx, writeRequest(batch)); err != nil {
		t.Fatalf("replayed staged merge: %v", err)
	}
	if n := countRows(t, db, "ad_facts"); n != 600 {
		t.Fatalf("rows after replay=%d, want 600", n)
	}
	if n := impressionsFor(t, db, "city-042"); n != 4242 {
		t.Fatalf("city-042 impressions=%d, want 4242", n)
	}

	// No staging leftovers outside the transaction.
	var stale int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE 'adsync_stage_%'",
	).Scan(&stale)
	if err != nil {
		t.Fatalf("staging scan: %v", err)
	}
	if stale != 0 {
		t.Fatalf("staging tables left behind: %d", stale)
	}

	// A correctly merged table audits clean.
	total, groups, err := repo.CountDuplicateKeys(ctx, storage.AuditScope{
		Table: "ad_facts", KeyColumns: fact.KeyColumns(),
	})
	if err != nil {
		t.Fatalf("duplicate audit: %v", err)
	}
	if total != 0 || groups != nil {
		t.Fatalf("duplicates after merge: total=%d groups=%v", total, groups)
	}
}

// legacySetup creates a table without a uniqueness constraint and with
// nullable key columns, the shape of data written before the upsert path
// existed. Audits and purge exist for exactly this case.
func legacySetup(t *testing.T, path string) *sql.DB {
	t.Helper()

	db := openRaw(t, path)
	ddl := `CREATE TABLE legacy_facts (
		account_id TEXT,
		processing_date TEXT,
		impressions INTEGER NOT NULL DEFAULT 0,
		loaded_at TEXT NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("legacy ddl: %v", err)
	}

	rows := []struct {
		account any
		date    any
		imp     int64
		loaded  string
	}{
		{"acc-1", "2026-08-01", 10, "2026-08-01T10:00:00.000Z"},
		{"acc-1", "2026-08-01", 20, "2026-08-02T10:00:00.000Z"}, // duplicate, newer
		{"acc-1", "2026-08-01", 30, "2026-08-03T10:00:00.000Z"}, // duplicate, newest
		{"acc-1", "2026-08-02", 40, "2026-08-02T10:00:00.000Z"},
		{"acc-2", "2026-08-01", 50, "2026-08-01T10:00:00.000Z"},
		{"acc-2", "2026-08-01", 60, "2026-08-05T10:00:00.000Z"}, // duplicate, newer
		{nil, "2026-08-01", 70, "2026-08-01T10:00:00.000Z"},     // NULL account
		{"acc-3", nil, 80, "2026-08-01T10:00:00.000Z"},          // NULL date
	}
	for _, r := range rows {
		if _, err := db.Exec(
			"INSERT INTO legacy_facts (account_id, processing_date, impressions, loaded_at) VALUES (?, ?, ?, ?)",
			r.account, r.date, r.imp, r.loaded,
		); err != nil {
			t.Fatalf("legacy insert: %v", err)
		}
	}
	return db
}

func TestAuditsOnLegacyData(t *testing.T) {
	t.Parallel()

	repo, path := newTestRepo(t)
	ctx := context.Background()
	legacySetup(t, path)

	scope := storage.AuditScope{
		Table:      "legacy_facts",
		KeyColumns: []string{"account_id", "processing_date"},
	}

	nulls, err := repo.CountNullKeyRows(ctx, scope)
	if err != nil {
		t.Fatalf("null audit: %v", err)
	}
	if nulls["account_id"] != 1 || nulls["processing_date"] != 1 {
		t.Fatalf("nulls=%v, want 1 per column", nulls)
	}

	total, groups, err := repo.CountDuplicateKeys(ctx, scope)
	if err != nil {
		t.Fatalf("duplicate audit: %v", err)
	}
	// acc-1/2026-08-01 has 3 rows (2 surplus); acc-2/2026-08-01 has 2 (1 surplus).
	if total != 3 {
		t.Fatalf("surplus=%d, want 3", total)
	}
	if len(groups) != 2 {
		t.Fatalf("groups=%v, want 2", groups)
	}
	if groups[0].Key != "acc-1/2026-08-01" || groups[0].Rows != 3 {
		t.Fatalf("worst group=%+v, want acc-1/2026-08-01 with 3 rows", groups[0])
	}
}

func TestPurgeKeepsMostRecentlyLoadedRow(t *testing.T) {
	t.Parallel()

	repo, path := newTestRepo(t)
	ctx := context.Background()
	db := legacySetup(t, path)

	scope := storage.AuditScope{
		Table:      "legacy_facts",
		KeyColumns: []string{"account_id", "processing_date"},
	}

	deleted, err := repo.PurgeSupersededDuplicates(ctx, scope)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted=%d, want 3", deleted)
	}

	// The surviving acc-1/2026-08-01 row is the newest write.
	var imp int64
	err = db.QueryRow(
		"SELECT impressions FROM legacy_facts WHERE account_id = 'acc-1' AND processing_date = '2026-08-01'",
	).Scan(&imp)
	if err != nil {
		t.Fatalf("survivor scan: %v", err)
	}
	if imp != 30 {
		t.Fatalf("survivor impressions=%d, want 30 (latest loaded_at)", imp)
	}

	// Purge is idempotent: a clean table deletes nothing.
	deleted, err = repo.PurgeSupersededDuplicates(ctx, scope)
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("second purge deleted=%d, want 0", deleted)
	}
}

func TestPurgeHonorsScope(t *testing.T) {
	t.Parallel()

	repo, path := newTestRepo(t)
	ctx := context.Background()
	db := legacySetup(t, path)

	scope := storage.AuditScope{
		Table:      "legacy_facts",
		KeyColumns: []string{"account_id", "processing_date"},
		AccountID:  "acc-2",
	}

	deleted, err := repo.PurgeSupersededDuplicates(ctx, scope)
	if err != nil {
		t.Fatalf("scoped purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted=%d, want 1 (only acc-2 surplus)", deleted)
	}

	// acc-1 duplicates are out of scope and untouched.
	var n int64
	err = db.QueryRow(
		"SELECT COUNT(*) FROM legacy_facts WHERE account_id = 'acc-1' AND processing_date = '2026-08-01'",
	).Scan(&n)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 3 {
		t.Fatalf("acc-1 rows=%d, want 3 (out of scope)", n)
	}
}
