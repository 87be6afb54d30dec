package postgres

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"adsync/internal/storage"
)

// maxParams stays comfortably below Postgres's 65535 bind parameter
// limit so the direct path never fails on batch width.
const maxParams = 60000

// Repo implements storage.Repository for Postgres.
//
// The staged path uses the store's native bulk protocol: rows are
// streamed as one CSV payload through COPY FROM STDIN into a
// transaction-scoped temp table, then merged with a single
// INSERT ... ON CONFLICT DO UPDATE. Cost is proportional to data volume,
// not row-count times round-trip latency.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed Repo and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureFactTable creates the fact table and its composite uniqueness
// constraint when missing. Idempotent; safe to run on every invocation.
func (r *Repo) EnsureFactTable(ctx context.Context, spec storage.TableSpec) error {
	if _, err := r.pool.Exec(ctx, buildCreateSQL(spec)); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", spec.Name, err)
	}
	return nil
}

// InsertDirect performs the whole batch as parameterized upserts inside
// one transaction. Any row failure rolls back the entire call.
func (r *Repo) InsertDirect(ctx context.Context, req storage.WriteRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Rows) == 0 {
		return 0, nil
	}

	chunk := maxParams / len(req.Columns)
	if chunk < 1 {
		chunk = 1
	}

	// Single statement covers the common case without a tx round-trip.
	if len(req.Rows) <= chunk {
		sql, args := buildUpsertSQL(req.Table, req.Columns, req.KeyColumns, req.UpdateColumns, req.Rows)
		tag, err := r.pool.Exec(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	for start := 0; start < len(req.Rows); start += chunk {
		end := start + chunk
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		sql, args := buildUpsertSQL(req.Table, req.Columns, req.KeyColumns, req.UpdateColumns, req.Rows[start:end])
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// MergeStaged runs the staged state machine in one transaction:
// create staging, COPY the encoded stream, merge, drop staging. Any step
// failing aborts the transaction; no partial merge is visible to readers.
func (r *Repo) MergeStaged(ctx context.Context, req storage.WriteRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if req.Encoder == nil {
		return 0, fmt.Errorf("postgres: merge staged: encoder is required")
	}
	if len(req.Rows) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	staging := stagingName()
	if _, err := tx.Exec(ctx, buildCreateStagingSQL(staging, req.Table)); err != nil {
		return 0, fmt.Errorf("postgres: create staging %s: %w", staging, err)
	}

	// Stream header + rows through the COPY protocol. The write blocks
	// for the duration of the transport: an intentional backpressure
	// point. CloseWithError propagates encoder failures to CopyFrom.
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(req.Encoder.WriteAll(pw, req.Rows))
	}()

	if _, err := tx.Conn().PgConn().CopyFrom(ctx, pr, buildCopySQL(staging, req.Columns)); err != nil {
		pr.CloseWithError(err)
		return 0, fmt.Errorf("postgres: copy into %s: %w", staging, err)
	}

	merge := buildMergeSQL(req.Table, staging, req.Columns, req.KeyColumns, req.UpdateColumns)
	tag, err := tx.Exec(ctx, merge)
	if err != nil {
		return 0, fmt.Errorf("postgres: merge %s: %w", req.Table, err)
	}

	// ON COMMIT DROP already guarantees cleanup; dropping here keeps the
	// session tidy when the pool reuses the connection.
	if _, err := tx.Exec(ctx, "DROP TABLE "+staging); err != nil {
		return 0, fmt.Errorf("postgres: drop staging %s: %w", staging, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// stagingName returns a per-call staging table name. The uuid suffix
// keeps concurrent bulk loads from colliding even within one session.
func stagingName() string {
	return "adsync_stage_" + uuid.NewString()[:8]
}

// CountNullKeyRows reports per-key-column NULL counts within scope.
func (r *Repo) CountNullKeyRows(ctx context.Context, scope storage.AuditScope) (map[string]int64, error) {
	sql, args := buildNullKeySQL(scope)
	row := r.pool.QueryRow(ctx, sql, args...)

	counts := make([]int64, len(scope.KeyColumns))
	dests := make([]any, len(counts))
	for i := range counts {
		dests[i] = &counts[i]
	}
	if err := row.Scan(dests...); err != nil {
		return nil, fmt.Errorf("postgres: null key scan %s: %w", scope.Table, err)
	}

	out := make(map[string]int64, len(scope.KeyColumns))
	for i, c := range scope.KeyColumns {
		out[c] = counts[i]
	}
	return out, nil
}

// CountDuplicateKeys returns rows minus distinct keys within scope and
// the worst offending groups.
func (r *Repo) CountDuplicateKeys(ctx context.Context, scope storage.AuditScope) (int64, []storage.DuplicateGroup, error) {
	totalSQL, args := buildDuplicateTotalSQL(scope)
	var total int64
	if err := r.pool.QueryRow(ctx, totalSQL, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("postgres: duplicate total %s: %w", scope.Table, err)
	}
	if total == 0 {
		return 0, nil, nil
	}

	groupSQL, args := buildDuplicateGroupsSQL(scope, 20)
	rows, err := r.pool.Query(ctx, groupSQL, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("postgres: duplicate groups %s: %w", scope.Table, err)
	}
	defer rows.Close()

	var groups []storage.DuplicateGroup
	for rows.Next() {
		g, err := storage.ScanDuplicateGroup(rows.Scan, len(scope.KeyColumns))
		if err != nil {
			return 0, nil, fmt.Errorf("postgres: duplicate group scan %s: %w", scope.Table, err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return total, groups, nil
}

// PurgeSupersededDuplicates deletes all but the most recently written row
// per duplicate group. Destructive; never called implicitly by ingestion.
func (r *Repo) PurgeSupersededDuplicates(ctx context.Context, scope storage.AuditScope) (int64, error) {
	sql, args := buildPurgeSQL(scope)
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge duplicates %s: %w", scope.Table, err)
	}
	return tag.RowsAffected(), nil
}
