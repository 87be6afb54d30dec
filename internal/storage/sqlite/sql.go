package sqlite

import (
	"fmt"
	"strings"

	"adsync/internal/storage"
)

// sqlIdent quotes an identifier for SQLite.
func sqlIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func identList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = sqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

// nowExpr is the SQLite expression for the loaded_at bookkeeping value.
// RFC3339-style UTC text sorts correctly, which the duplicate purger
// relies on.
const nowExpr = "strftime('%Y-%m-%dT%H:%M:%fZ','now')"

func buildCreateSQL(spec storage.TableSpec) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(spec.Name)
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c.Name))
		switch c.Type {
		case storage.TypeBigInt:
			b.WriteString(" INTEGER NOT NULL DEFAULT 0")
		case storage.TypeFloat:
			b.WriteString(" REAL NOT NULL DEFAULT 0")
		default:
			b.WriteString(" TEXT NOT NULL")
		}
	}
	b.WriteString(", loaded_at TEXT NOT NULL DEFAULT (")
	b.WriteString(nowExpr)
	b.WriteString(")")
	b.WriteString(", UNIQUE (")
	b.WriteString(identList(spec.KeyColumns))
	b.WriteString("));")
	return b.String()
}

func buildUpsertSQL(table string, columns, keyColumns, updateColumns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(identList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, row[j])
		}
		b.WriteString(")")
	}

	b.WriteString(buildConflictClause(keyColumns, updateColumns))
	b.WriteString(";")
	return b.String(), args
}

func buildConflictClause(keyColumns, updateColumns []string) string {
	var b strings.Builder
	b.WriteString(" ON CONFLICT (")
	b.WriteString(identList(keyColumns))
	b.WriteString(") DO UPDATE SET ")
	for i, c := range updateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(", loaded_at = (")
	b.WriteString(nowExpr)
	b.WriteString(")")
	return b.String()
}

// buildCreateStagingSQL mirrors only the data columns into a TEMP table.
// CREATE TABLE AS copies no defaults, so staging rows carry exactly the
// streamed values. SQLite DDL is transactional: rollback removes staging.
func buildCreateStagingSQL(staging, target string, columns []string) string {
	return fmt.Sprintf(
		"CREATE TEMP TABLE %s AS SELECT %s FROM %s WHERE 0",
		staging, identList(columns), target,
	)
}

// buildMergeSQL merges staging into the target in one set-based upsert.
// The "WHERE true" is required by SQLite's parser to disambiguate the
// upsert clause after INSERT ... SELECT.
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
	b.WriteString(" WHERE true")
	b.WriteString(buildConflictClause(keyColumns, updateColumns))
	return b.String()
}

func scopeWhere(scope storage.AuditScope) (string, []any) {
	var conds []string
	var args []any

	if scope.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, scope.AccountID)
	}
	if scope.DateFrom != "" {
		conds = append(conds, "processing_date >= ?")
		args = append(args, scope.DateFrom)
	}
	if scope.DateTo != "" {
		conds = append(conds, "processing_date <= ?")
		args = append(args, scope.DateTo)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func buildNullKeySQL(scope storage.AuditScope) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range scope.KeyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END)", sqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(scope.Table)

	where, args := scopeWhere(scope)
	b.WriteString(where)
	return b.String(), args
}

func buildDuplicateTotalSQL(scope storage.AuditScope) (string, []any) {
	where, args := scopeWhere(scope)
	q := fmt.Sprintf(
		"SELECT COALESCE(SUM(cnt - 1), 0) FROM (SELECT COUNT(*) AS cnt FROM %s%s GROUP BY %s HAVING COUNT(*) > 1) d",
		scope.Table, where, identList(scope.KeyColumns),
	)
	return q, args
}

func buildDuplicateGroupsSQL(scope storage.AuditScope, limit int) (string, []any) {
	where, args := scopeWhere(scope)
	keys := identList(scope.KeyColumns)
	q := fmt.Sprintf(
		"SELECT %s, COUNT(*) FROM %s%s GROUP BY %s HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC, %s LIMIT %d",
		keys, scope.Table, where, keys, keys, limit,
	)
	return q, args
}

// buildPurgeSQL keeps the most recently written row per duplicate group,
// using rowid to break loaded_at ties deterministically.
func buildPurgeSQL(scope storage.AuditScope) (string, []any) {
	where, args := scopeWhere(scope)
	keys := identList(scope.KeyColumns)
	q := fmt.Sprintf(
		"DELETE FROM %s WHERE rowid IN ("+
			"SELECT rid FROM ("+
			"SELECT rowid AS rid, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY loaded_at DESC, rowid DESC) AS rn FROM %s%s"+
			") ranked WHERE rn > 1)",
		scope.Table, keys, scope.Table, where,
	)
	return q, args
}
