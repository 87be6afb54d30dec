package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"adsync/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// SQL Server caps a batch at 2100 parameters; keep headroom for the
// odd session-setting parameter the driver adds.
const maxParams = 2000

// Repo implements storage.Repository on SQL Server. The direct path
// runs chunked MERGE ... USING (VALUES ...) statements; the staged path
// bulk-copies into a session temp table and merges once.
type Repo struct {
	db *sql.DB
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mssql ping: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureFactTable(ctx context.Context, spec storage.TableSpec) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(spec)); err != nil {
		return fmt.Errorf("mssql ensure table %s: %w", spec.Name, err)
	}
	return nil
}

func (r *Repo) InsertDirect(ctx context.Context, req storage.WriteRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	chunk := maxParams / len(req.Columns)
	if chunk < 1 {
		chunk = 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql begin: %w", err)
	}
	defer tx.Rollback()

	for off := 0; off < len(req.Rows); off += chunk {
		end := off + chunk
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		query, args := buildMergeValuesSQL(req.Table, req.Columns, req.KeyColumns, req.UpdateColumns, req.Rows[off:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("mssql merge rows %d..%d: %w", off, end, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql commit: %w", err)
	}
	return int64(len(req.Rows)), nil
}

func (r *Repo) MergeStaged(ctx context.Context, req storage.WriteRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql begin: %w", err)
	}
	defer tx.Rollback()

	staging := stagingName()
	if _, err := tx.ExecContext(ctx, buildCreateStagingSQL(staging, req.Table, req.Columns)); err != nil {
		return 0, fmt.Errorf("mssql create staging %s: %w", staging, err)
	}

	if err := bulkCopy(ctx, tx, staging, req.Columns, req.Rows); err != nil {
		return 0, fmt.Errorf("mssql bulk copy into %s: %w", staging, err)
	}

	merge := buildMergeStagingSQL(req.Table, staging, req.Columns, req.KeyColumns, req.UpdateColumns)
	if _, err := tx.ExecContext(ctx, merge); err != nil {
		return 0, fmt.Errorf("mssql merge staged: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE "+staging); err != nil {
		return 0, fmt.Errorf("mssql drop staging %s: %w", staging, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql commit: %w", err)
	}
	return int64(len(req.Rows)), nil
}

// bulkCopy streams rows through the TDS bulk protocol. The trailing
// Exec with no arguments flushes the copy and reports the row count.
func bulkCopy(ctx context.Context, tx *sql.Tx, staging string, columns []string, rows [][]any) error {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(staging, mssql.BulkOptions{}, columns...))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return stmt.Close()
}

func (r *Repo) CountNullKeyRows(ctx context.Context, scope storage.AuditScope) (map[string]int64, error) {
	query, args := buildNullKeySQL(scope)
	dest := make([]any, len(scope.KeyColumns))
	counts := make([]sql.NullInt64, len(scope.KeyColumns))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("mssql null key audit: %w", err)
	}
	out := make(map[string]int64, len(scope.KeyColumns))
	for i, c := range scope.KeyColumns {
		out[c] = counts[i].Int64
	}
	return out, nil
}

func (r *Repo) CountDuplicateKeys(ctx context.Context, scope storage.AuditScope) (int64, []storage.DuplicateGroup, error) {
	totalQuery, totalArgs := buildDuplicateTotalSQL(scope)
	var total int64
	if err := r.db.QueryRowContext(ctx, totalQuery, totalArgs...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("mssql duplicate total: %w", err)
	}
	if total == 0 {
		return 0, nil, nil
	}

	groupQuery, groupArgs := buildDuplicateGroupsSQL(scope, 20)
	rows, err := r.db.QueryContext(ctx, groupQuery, groupArgs...)
	if err != nil {
		return 0, nil, fmt.Errorf("mssql duplicate groups: %w", err)
	}
	defer rows.Close()

	var groups []storage.DuplicateGroup
	for rows.Next() {
		g, err := storage.ScanDuplicateGroup(rows.Scan, len(scope.KeyColumns))
		if err != nil {
			return 0, nil, fmt.Errorf("mssql duplicate groups scan: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("mssql duplicate groups: %w", err)
	}
	return total, groups, nil
}

func (r *Repo) PurgeSupersededDuplicates(ctx context.Context, scope storage.AuditScope) (int64, error) {
	query, args := buildPurgeSQL(scope)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mssql purge duplicates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mssql purge duplicates: %w", err)
	}
	return n, nil
}

func stagingName() string {
	return "#adsync_stage_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
}
