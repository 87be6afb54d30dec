// Package storage defines the backend-agnostic persistence contract for
// fact data: the Repository interface, the factory registry backend
// packages register into, and the shared schema, error, and audit types.
// No backend driver is imported here, so the loader and every backend
// package can depend on it without cycles.
package storage

import (
	"context"
	"fmt"
	"sync"

	"adsync/internal/encode"
)

// Config is the minimal configuration needed to create a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// WriteRequest is one durable write of an already-aggregated fact batch.
//
// Rows are aligned with Columns. KeyColumns is the ordered composite key
// (it must match the target's uniqueness constraint); UpdateColumns are
// the only columns a merge may overwrite on key match. Key columns are
// never update-eligible.
//
// Encoder renders Columns-shaped rows as header-plus-CSV for backends
// whose bulk ingestion protocol accepts a text stream (Postgres COPY,
// MySQL LOAD DATA). Backends with a typed bulk API ignore it.
type WriteRequest struct {
	Table         string
	Columns       []string
	KeyColumns    []string
	UpdateColumns []string
	Rows          [][]any
	Encoder       *encode.Encoder
}

// Validate checks the request invariants shared by all backends.
func (r WriteRequest) Validate() error {
	if r.Table == "" {
		return fmt.Errorf("storage: write request: table is empty")
	}
	if len(r.Columns) == 0 {
		return fmt.Errorf("storage: write request: columns empty for table %s", r.Table)
	}
	if len(r.KeyColumns) == 0 {
		return fmt.Errorf("storage: write request: key columns empty for table %s", r.Table)
	}
	for i, row := range r.Rows {
		if len(row) != len(r.Columns) {
			return fmt.Errorf("storage: write request: row %d has %d values, want %d", i, len(row), len(r.Columns))
		}
	}
	return nil
}

// AuditScope bounds an integrity check to one table and, optionally, one
// account and/or a processing-date range (inclusive, ISO dates).
type AuditScope struct {
	Table      string
	KeyColumns []string

	AccountID string
	DateFrom  string
	DateTo    string
}

// DuplicateGroup is one persisted composite key holding more than one row.
type DuplicateGroup struct {
	Key  string // key components joined with "/" in key-column order
	Rows int64
}

// Repository is the backend-agnostic surface the ingestion engine needs.
//
// IMPORTANT: This interface is intentionally minimal. Each backend
// implements the semantics in its own idiomatic way (Postgres ON CONFLICT
// plus COPY, SQL Server MERGE plus bulk copy, MySQL ON DUPLICATE KEY plus
// LOAD DATA, SQLite upsert).
type Repository interface {
	// Close releases backend resources. Treat as "call once".
	Close()

	// EnsureFactTable creates the target fact table and its composite-key
	// uniqueness constraint if they do not exist. Idempotent.
	EnsureFactTable(ctx context.Context, spec TableSpec) error

	// InsertDirect performs one atomic multi-row parameterized upsert.
	// Any row-level failure fails the whole call; no partial writes.
	InsertDirect(ctx context.Context, req WriteRequest) (int64, error)

	// MergeStaged loads the batch through an ephemeral staging table owned
	// by this call: create staging, stream rows via the store's bulk
	// protocol, one set-based merge into the target, drop staging. All
	// steps run in one transaction; any failure rolls the whole call back.
	MergeStaged(ctx context.Context, req WriteRequest) (int64, error)

	// CountNullKeyRows reports, per key column, how many persisted rows in
	// scope carry a NULL in that component. Reported, never auto-fixed.
	CountNullKeyRows(ctx context.Context, scope AuditScope) (map[string]int64, error)

	// CountDuplicateKeys returns rows minus distinct keys within scope,
	// plus the worst offending key groups for logging. Non-zero means the
	// merge step was bypassed at some point.
	CountDuplicateKeys(ctx context.Context, scope AuditScope) (int64, []DuplicateGroup, error)

	// PurgeSupersededDuplicates deletes, for every duplicate-key group in
	// scope, all rows but the most recently written one. Destructive and
	// explicit-invocation only. Returns the number of deleted rows.
	PurgeSupersededDuplicates(ctx context.Context, scope AuditScope) (int64, error)
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package. Registering
// the same kind twice panics; that is intentional, to fail fast and avoid
// ambiguous backend selection.
func Register(kind string, f factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
