package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"adsync/internal/storage"
)

func init() {
	storage.Register("mysql", New)
}

// The prepared-statement placeholder ceiling is 65535; stay well under.
const maxParams = 60000

// Repo implements storage.Repository on MySQL. The direct path runs
// chunked multi-row upserts; the staged path streams CSV through LOAD
// DATA LOCAL INFILE into a temporary table and merges once.
type Repo struct {
	db *sql.DB
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureFactTable(ctx context.Context, spec storage.TableSpec) error {
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(spec)); err != nil {
		return fmt.Errorf("mysql ensure table %s: %w", spec.Name, err)
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
		return 0, fmt.Errorf("mysql begin: %w", err)
	}
	defer tx.Rollback()

	for off := 0; off < len(req.Rows); off += chunk {
		end := off + chunk
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		batch := req.Rows[off:end]
		args := make([]any, 0, len(batch)*len(req.Columns))
		for _, row := range batch {
			args = append(args, row...)
		}
		query := buildUpsertSQL(req.Table, req.Columns, req.UpdateColumns, len(batch))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("mysql upsert rows %d..%d: %w", off, end, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql commit: %w", err)
	}
	return int64(len(req.Rows)), nil
}

func (r *Repo) MergeStaged(ctx context.Context, req storage.WriteRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	// A transaction pins one connection, which keeps the temporary
	// table and the LOAD DATA stream on the same session.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mysql begin: %w", err)
	}
	defer tx.Rollback()

	staging := stagingName()
	if _, err := tx.ExecContext(ctx, buildCreateStagingSQL(staging, req.Table, req.Columns)); err != nil {
		return 0, fmt.Errorf("mysql create staging %s: %w", staging, err)
	}

	if err := loadStaging(ctx, tx, staging, req); err != nil {
		return 0, fmt.Errorf("mysql load staging %s: %w", staging, err)
	}

	merge := buildMergeSQL(req.Table, staging, req.Columns, req.UpdateColumns)
	if _, err := tx.ExecContext(ctx, merge); err != nil {
		return 0, fmt.Errorf("mysql merge staged: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DROP TEMPORARY TABLE "+staging); err != nil {
		return 0, fmt.Errorf("mysql drop staging %s: %w", staging, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql commit: %w", err)
	}
	return int64(len(req.Rows)), nil
}

// loadStaging registers a pipe-backed reader handler and streams the
// encoder's CSV output through LOAD DATA LOCAL INFILE. The handler name
// is unique per call so concurrent loads cannot collide.
func loadStaging(ctx context.Context, tx *sql.Tx, staging string, req storage.WriteRequest) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(req.Encoder.WriteAll(pw, req.Rows))
	}()

	name := strings.TrimPrefix(staging, "adsync_stage_")
	mysql.RegisterReaderHandler(name, func() io.Reader { return pr })
	defer mysql.DeregisterReaderHandler(name)

	if _, err := tx.ExecContext(ctx, buildLoadDataSQL(name, staging, req.Columns)); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return nil
}

func (r *Repo) CountNullKeyRows(ctx context.Context, scope storage.AuditScope) (map[string]int64, error) {
	query, args := buildNullKeySQL(scope)
	dest := make([]any, len(scope.KeyColumns))
	counts := make([]sql.NullInt64, len(scope.KeyColumns))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("mysql null key audit: %w", err)
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
		return 0, nil, fmt.Errorf("mysql duplicate total: %w", err)
	}
	if total == 0 {
		return 0, nil, nil
	}

	groupQuery, groupArgs := buildDuplicateGroupsSQL(scope, 20)
	rows, err := r.db.QueryContext(ctx, groupQuery, groupArgs...)
	if err != nil {
		return 0, nil, fmt.Errorf("mysql duplicate groups: %w", err)
	}
	defer rows.Close()

	var groups []storage.DuplicateGroup
	for rows.Next() {
		g, err := storage.ScanDuplicateGroup(rows.Scan, len(scope.KeyColumns))
		if err != nil {
			return 0, nil, fmt.Errorf("mysql duplicate groups scan: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("mysql duplicate groups: %w", err)
	}
	return total, groups, nil
}

func (r *Repo) PurgeSupersededDuplicates(ctx context.Context, scope storage.AuditScope) (int64, error) {
	query, args := buildPurgeSQL(scope)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mysql purge duplicates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mysql purge duplicates: %w", err)
	}
	return n, nil
}

func stagingName() string {
	return "adsync_stage_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
}
