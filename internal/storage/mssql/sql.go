package mssql

import (
	"fmt"
	"strings"

	"adsync/internal/storage"
)

// msIdent brackets an identifier for SQL Server.
func msIdent(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

func identList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = msIdent(c)
	}
	return strings.Join(parts, ", ")
}

func prefixedList(prefix string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = prefix + "." + msIdent(c)
	}
	return strings.Join(parts, ", ")
}

// buildCreateSQL generates guarded DDL (SQL Server has no CREATE TABLE IF
// NOT EXISTS).
//
// Key columns are NVARCHAR(64): twelve of them must fit under the
// 1700-byte nonclustered index key limit for the composite UNIQUE
// constraint to be enforceable.
func buildCreateSQL(spec storage.TableSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (", spec.Name, spec.Name)
	b.WriteString("id BIGINT IDENTITY(1,1) PRIMARY KEY, ")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c.Name))
		switch c.Type {
		case storage.TypeBigInt:
			b.WriteString(" BIGINT NOT NULL DEFAULT 0")
		case storage.TypeFloat:
			b.WriteString(" FLOAT NOT NULL DEFAULT 0")
		default:
			b.WriteString(" NVARCHAR(64) NOT NULL")
		}
	}
	b.WriteString(", loaded_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()")
	fmt.Fprintf(&b, ", CONSTRAINT %s UNIQUE (%s));",
		msIdent("uq_"+strings.ReplaceAll(spec.Name, ".", "_")+"_key"),
		identList(spec.KeyColumns),
	)
	return b.String()
}

// buildMergeValuesSQL renders one parameterized MERGE over a VALUES table
// for the direct path. MERGE is the store's single set-based upsert
// statement; HOLDLOCK serializes overlapping key ranges.
func buildMergeValuesSQL(table string, columns, keyColumns, updateColumns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (VALUES ", table)

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
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	fmt.Fprintf(&b, ") AS src (%s)", identList(columns))
	b.WriteString(buildMergeTail(columns, keyColumns, updateColumns))
	return b.String(), args
}

// buildMergeStagingSQL renders the single merge from a staging table.
func buildMergeStagingSQL(table, staging string, columns, keyColumns, updateColumns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING %s AS src", table, staging)
	b.WriteString(buildMergeTail(columns, keyColumns, updateColumns))
	return b.String()
}

func buildMergeTail(columns, keyColumns, updateColumns []string) string {
	var b strings.Builder

	b.WriteString(" ON ")
	for i, k := range keyColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", msIdent(k), msIdent(k))
	}

	b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
	for i, c := range updateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", msIdent(c), msIdent(c))
	}
	b.WriteString(", tgt.loaded_at = SYSUTCDATETIME()")

	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		identList(columns), prefixedList("src", columns))
	return b.String()
}

// buildCreateStagingSQL materializes an empty session-scoped temp table
// with the target's data columns. The '#' prefix scopes it to this
// connection; the transaction's rollback removes it.
func buildCreateStagingSQL(staging, target string, columns []string) string {
	return fmt.Sprintf("SELECT %s INTO %s FROM %s WHERE 0 = 1",
		identList(columns), staging, target)
}

func scopeWhere(scope storage.AuditScope, start int) (string, []any) {
	var conds []string
	var args []any
	p := start

	if scope.AccountID != "" {
		conds = append(conds, fmt.Sprintf("account_id = @p%d", p))
		args = append(args, scope.AccountID)
		p++
	}
	if scope.DateFrom != "" {
		conds = append(conds, fmt.Sprintf("processing_date >= @p%d", p))
		args = append(args, scope.DateFrom)
		p++
	}
	if scope.DateTo != "" {
		conds = append(conds, fmt.Sprintf("processing_date <= @p%d", p))
		args = append(args, scope.DateTo)
		p++
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
		fmt.Fprintf(&b, "SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END)", msIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(scope.Table)

	where, args := scopeWhere(scope, 1)
	b.WriteString(where)
	return b.String(), args
}

func buildDuplicateTotalSQL(scope storage.AuditScope) (string, []any) {
	where, args := scopeWhere(scope, 1)
	q := fmt.Sprintf(
		"SELECT COALESCE(SUM(cnt - 1), 0) FROM (SELECT COUNT(*) AS cnt FROM %s%s GROUP BY %s HAVING COUNT(*) > 1) d",
		scope.Table, where, identList(scope.KeyColumns),
	)
	return q, args
}

func buildDuplicateGroupsSQL(scope storage.AuditScope, limit int) (string, []any) {
	where, args := scopeWhere(scope, 1)
	keys := identList(scope.KeyColumns)
	q := fmt.Sprintf(
		"SELECT TOP %d %s, COUNT(*) FROM %s%s GROUP BY %s HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC",
		limit, keys, scope.Table, where, keys,
	)
	return q, args
}

// buildPurgeSQL deletes through an updatable CTE; the IDENTITY id breaks
// loaded_at ties deterministically.
func buildPurgeSQL(scope storage.AuditScope) (string, []any) {
	where, args := scopeWhere(scope, 1)
	keys := identList(scope.KeyColumns)
	q := fmt.Sprintf(
		"WITH ranked AS (SELECT id, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY loaded_at DESC, id DESC) AS rn FROM %s%s) "+
			"DELETE FROM ranked WHERE rn > 1;",
		keys, scope.Table, where,
	)
	return q, args
}
