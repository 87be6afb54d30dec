package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"adsync/internal/storage"
)

// maxParams stays well below SQLite's variable limit; modern builds allow
// 32766 but there is no benefit in approaching it.
const maxParams = 16000

// Repo implements storage.Repository for SQLite.
//
// SQLite has no wire-level bulk protocol, so the staged path keeps the
// same state machine as the server backends (staging table, set-based
// merge, one transaction) but fills staging with chunked inserts. It
// exists mainly as the embedded backend for tests and local runs.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// TEMP staging tables are connection-scoped; a single connection also
	// sidesteps SQLITE_BUSY between concurrent writers in one process.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureFactTable(ctx context.Context, spec storage.TableSpec) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(spec)); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", spec.Name, err)
	}
	return nil
}

func (r *Repo) InsertDirect(ctx context.Context, req storage.WriteRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Rows) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	total, err := upsertChunked(ctx, tx, req)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func upsertChunked(ctx context.Context, tx *sql.Tx, req storage.WriteRequest) (int64, error) {
	chunk := maxParams / len(req.Columns)
	if chunk < 1 {
		chunk = 1
	}

	var total int64
	for start := 0; start < len(req.Rows); start += chunk {
		end := start + chunk
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		q, args := buildUpsertSQL(req.Table, req.Columns, req.KeyColumns, req.UpdateColumns, req.Rows[start:end])
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *Repo) MergeStaged(ctx context.Context, req storage.WriteRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Rows) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	staging := stagingName()
	if _, err := tx.ExecContext(ctx, buildCreateStagingSQL(staging, req.Table, req.Columns)); err != nil {
		return 0, fmt.Errorf("sqlite: create staging %s: %w", staging, err)
	}

	if err := fillStaging(ctx, tx, staging, req); err != nil {
		return 0, err
	}

	merge := buildMergeSQL(req.Table, staging, req.Columns, req.KeyColumns, req.UpdateColumns)
	res, err := tx.ExecContext(ctx, merge)
	if err != nil {
		return 0, fmt.Errorf("sqlite: merge %s: %w", req.Table, err)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE "+staging); err != nil {
		return 0, fmt.Errorf("sqlite: drop staging %s: %w", staging, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// fillStaging streams the batch into the staging table in chunks. Plain
// inserts, no conflict handling: staging is exclusively owned by this
// call and the batch was collapsed to unique keys upstream.
func fillStaging(ctx context.Context, tx *sql.Tx, staging string, req storage.WriteRequest) error {
	chunk := maxParams / len(req.Columns)
	if chunk < 1 {
		chunk = 1
	}

	cols := identList(req.Columns)
	for start := 0; start < len(req.Rows); start += chunk {
		end := start + chunk
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		part := req.Rows[start:end]

		var b []byte
		b = append(b, "INSERT INTO "+staging+" ("+cols+") VALUES "...)
		args := make([]any, 0, len(part)*len(req.Columns))
		for i, row := range part {
			if i > 0 {
				b = append(b, ", "...)
			}
			b = append(b, '(')
			for j := range req.Columns {
				if j > 0 {
					b = append(b, ", "...)
				}
				b = append(b, '?')
				args = append(args, row[j])
			}
			b = append(b, ')')
		}

		if _, err := tx.ExecContext(ctx, string(b), args...); err != nil {
			return fmt.Errorf("sqlite: fill staging %s: %w", staging, err)
		}
	}
	return nil
}

func stagingName() string {
	return "adsync_stage_" + uuid.NewString()[:8]
}

func (r *Repo) CountNullKeyRows(ctx context.Context, scope storage.AuditScope) (map[string]int64, error) {
	q, args := buildNullKeySQL(scope)
	row := r.db.QueryRowContext(ctx, q, args...)

	counts := make([]sql.NullInt64, len(scope.KeyColumns))
	dests := make([]any, len(counts))
	for i := range counts {
		dests[i] = &counts[i]
	}
	if err := row.Scan(dests...); err != nil {
		return nil, fmt.Errorf("sqlite: null key scan %s: %w", scope.Table, err)
	}

	out := make(map[string]int64, len(scope.KeyColumns))
	for i, c := range scope.KeyColumns {
		out[c] = counts[i].Int64 // NULL (empty table) counts as zero
	}
	return out, nil
}

func (r *Repo) CountDuplicateKeys(ctx context.Context, scope storage.AuditScope) (int64, []storage.DuplicateGroup, error) {
	totalSQL, args := buildDuplicateTotalSQL(scope)
	var total int64
	if err := r.db.QueryRowContext(ctx, totalSQL, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("sqlite: duplicate total %s: %w", scope.Table, err)
	}
	if total == 0 {
		return 0, nil, nil
	}

	groupSQL, args := buildDuplicateGroupsSQL(scope, 20)
	rows, err := r.db.QueryContext(ctx, groupSQL, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("sqlite: duplicate groups %s: %w", scope.Table, err)
	}
	defer rows.Close()

	var groups []storage.DuplicateGroup
	for rows.Next() {
		g, err := storage.ScanDuplicateGroup(rows.Scan, len(scope.KeyColumns))
		if err != nil {
			return 0, nil, fmt.Errorf("sqlite: duplicate group scan %s: %w", scope.Table, err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return total, groups, nil
}

func (r *Repo) PurgeSupersededDuplicates(ctx context.Context, scope storage.AuditScope) (int64, error) {
	q, args := buildPurgeSQL(scope)
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge duplicates %s: %w", scope.Table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
