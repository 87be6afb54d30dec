package postgres

import (
	"fmt"
	"strings"

	"adsync/internal/storage"
)

// The builders in this file are pure and deterministic, so we can unit
// test correctness (placeholder numbering, ON CONFLICT shape, scope
// predicates) without a database.

// pgIdent quotes an identifier for Postgres, doubling embedded quotes.
func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func identList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = pgIdent(c)
	}
	return strings.Join(parts, ", ")
}

// buildCreateSQL generates idempotent DDL for the fact table.
//
// The composite-key uniqueness constraint is what makes the merge an
// upsert; loaded_at records the last write for the duplicate purger.
func buildCreateSQL(spec storage.TableSpec) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(spec.Name)
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
		switch c.Type {
		case storage.TypeBigInt:
			b.WriteString(" BIGINT NOT NULL DEFAULT 0")
		case storage.TypeFloat:
			b.WriteString(" DOUBLE PRECISION NOT NULL DEFAULT 0")
		default:
			b.WriteString(" TEXT NOT NULL")
		}
	}
	b.WriteString(", loaded_at TIMESTAMPTZ NOT NULL DEFAULT now()")
	b.WriteString(", UNIQUE (")
	b.WriteString(identList(spec.KeyColumns))
	b.WriteString("));")
	return b.String()
}

// buildUpsertSQL constructs one multi-row parameterized upsert and its
// flattened args for the direct path.
func buildUpsertSQL(table string, columns, keyColumns, updateColumns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(identList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(buildConflictClause(keyColumns, updateColumns))
	b.WriteString(";")
	return b.String(), args
}

// buildConflictClause renders the upsert action: overwrite exactly the
// caller-specified update-eligible columns on key match, and bump
// loaded_at. Key columns are never written by the update branch.
func buildConflictClause(keyColumns, updateColumns []string) string {
	var b strings.Builder
	b.WriteString(" ON CONFLICT (")
	b.WriteString(identList(keyColumns))
	b.WriteString(") DO UPDATE SET ")
	for i, c := range updateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
	}
	b.WriteString(", loaded_at = now()")
	return b.String()
}

// buildCopySQL renders the COPY command that receives the encoder's
// header-plus-rows CSV stream.
func buildCopySQL(staging string, columns []string) string {
	return fmt.Sprintf(
		"COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER true)",
		staging, identList(columns),
	)
}

// buildCreateStagingSQL mirrors the target's columns into a
// transaction-scoped staging table. ON COMMIT DROP guarantees cleanup on
// abnormal termination; the explicit DROP after merge is defense in depth.
func buildCreateStagingSQL(staging, target string) string {
	return fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging, target,
	)
}

// buildMergeSQL renders the single set-based merge from staging into the
// target. Replaying an identical batch converges to the same target
// state: this statement is the idempotency mechanism.
func buildMergeSQL(target, staging string, columns, keyColumns, updateColumns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(target)
	b.WriteString(" (")
	b.WriteString(identList(columns))
	b.WriteString(") SELECT ")
	b.WriteString(identList(columns))
	b.WriteString(" FROM ")
	b.WriteString(staging)
	b.WriteString(buildConflictClause(keyColumns, updateColumns))
	return b.String()
}

// scopeWhere renders the audit scope predicate starting at placeholder
// $start. Returns "" and no args for an unbounded scope.
func scopeWhere(scope storage.AuditScope, start int) (string, []any) {
	var conds []string
	var args []any
	p := start

	if scope.AccountID != "" {
		conds = append(conds, fmt.Sprintf("account_id = $%d", p))
		args = append(args, scope.AccountID)
		p++
	}
	if scope.DateFrom != "" {
		conds = append(conds, fmt.Sprintf("processing_date >= $%d", p))
		args = append(args, scope.DateFrom)
		p++
	}
	if scope.DateTo != "" {
		conds = append(conds, fmt.Sprintf("processing_date <= $%d", p))
		args = append(args, scope.DateTo)
		p++
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// buildNullKeySQL counts rows with a NULL in each key component, in one
// scan of the scoped table.
func buildNullKeySQL(scope storage.AuditScope) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range scope.KeyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "COUNT(*) FILTER (WHERE %s IS NULL)", pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(scope.Table)

	where, args := scopeWhere(scope, 1)
	b.WriteString(where)
	return b.String(), args
}

// buildDuplicateTotalSQL computes rows minus distinct keys within scope.
func buildDuplicateTotalSQL(scope storage.AuditScope) (string, []any) {
	where, args := scopeWhere(scope, 1)
	q := fmt.Sprintf(
		"SELECT COALESCE(SUM(cnt - 1), 0) FROM (SELECT COUNT(*) AS cnt FROM %s%s GROUP BY %s HAVING COUNT(*) > 1) d",
		scope.Table, where, identList(scope.KeyColumns),
	)
	return q, args
}

// buildDuplicateGroupsSQL lists the worst duplicate-key groups.
func buildDuplicateGroupsSQL(scope storage.AuditScope, limit int) (string, []any) {
	where, args := scopeWhere(scope, 1)
	keys := identList(scope.KeyColumns)
	q := fmt.Sprintf(
		"SELECT %s, COUNT(*) FROM %s%s GROUP BY %s HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC, %s LIMIT %d",
		keys, scope.Table, where, keys, keys, limit,
	)
	return q, args
}

// buildPurgeSQL deletes every row of a duplicate-key group except the
// most recently written one. ctid breaks loaded_at ties deterministically.
func buildPurgeSQL(scope storage.AuditScope) (string, []any) {
	where, args := scopeWhere(scope, 1)
	keys := identList(scope.KeyColumns)
	q := fmt.Sprintf(
		"DELETE FROM %s WHERE ctid IN ("+
			"SELECT ctid FROM ("+
			"SELECT ctid, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY loaded_at DESC, ctid DESC) AS rn FROM %s%s"+
			") ranked WHERE rn > 1)",
		scope.Table, keys, scope.Table, where,
	)
	return q, args
}
