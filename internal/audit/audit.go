// Package audit checks persisted fact data for integrity defects:
// NULL key components and duplicate composite keys that a correct
// upsert path should never produce.
package audit

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"

	"adsync/internal/storage"
)

type Logger interface {
	Printf(format string, v ...any)
}

// Auditor runs integrity checks against a fact store. All methods are
// read-only except PurgeSuperseded.
type Auditor struct {
	Repo   storage.Repository
	Logger Logger
}

func New(repo storage.Repository, logger Logger) *Auditor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Auditor{Repo: repo, Logger: logger}
}

// CompletenessReport counts persisted rows carrying a NULL in each key
// column. A healthy table reports zero everywhere: the loader rejects
// incomplete keys before they reach the store.
type CompletenessReport struct {
	NullsByColumn map[string]int64
}

// Clean reports whether no key column has NULL rows.
func (r CompletenessReport) Clean() bool {
	for _, n := range r.NullsByColumn {
		if n > 0 {
			return false
		}
	}
	return true
}

// DuplicateReport describes composite-key collisions in the store.
// Surplus is total rows minus distinct keys; Groups lists the worst
// offenders with their row counts.
type DuplicateReport struct {
	Surplus int64
	Groups  []storage.DuplicateGroup
}

func (r DuplicateReport) Clean() bool {
	return r.Surplus == 0
}

func (a *Auditor) KeyCompleteness(ctx context.Context, scope storage.AuditScope) (CompletenessReport, error) {
	nulls, err := a.Repo.CountNullKeyRows(ctx, scope)
	if err != nil {
		return CompletenessReport{}, fmt.Errorf("audit key completeness: %w", err)
	}
	report := CompletenessReport{NullsByColumn: nulls}
	for _, col := range sortedColumns(nulls) {
		if nulls[col] > 0 {
			a.Logger.Printf("stage=audit check=completeness table=%s column=%s null_rows=%d",
				scope.Table, col, nulls[col])
		}
	}
	return report, nil
}

func (a *Auditor) DuplicateKeys(ctx context.Context, scope storage.AuditScope) (DuplicateReport, error) {
	surplus, groups, err := a.Repo.CountDuplicateKeys(ctx, scope)
	if err != nil {
		return DuplicateReport{}, fmt.Errorf("audit duplicate keys: %w", err)
	}
	for _, g := range groups {
		a.Logger.Printf("stage=audit check=duplicates table=%s key=%s rows=%d",
			scope.Table, g.Key, g.Rows)
	}
	return DuplicateReport{Surplus: surplus, Groups: groups}, nil
}

// PurgeSuperseded deletes all but the most recently loaded row of every
// duplicate group. Destructive; callers gate it behind explicit intent.
func (a *Auditor) PurgeSuperseded(ctx context.Context, scope storage.AuditScope) (int64, error) {
	deleted, err := a.Repo.PurgeSupersededDuplicates(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("audit purge superseded: %w", err)
	}
	a.Logger.Printf("stage=audit check=purge table=%s deleted=%d", scope.Table, deleted)
	return deleted, nil
}

func sortedColumns(m map[string]int64) []string {
	cols := make([]string, 0, len(m))
	for c := range m {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
