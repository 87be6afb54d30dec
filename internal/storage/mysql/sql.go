package mysql

import (
	"fmt"
	"strings"

	"adsync/internal/storage"
)

func myIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func identList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = myIdent(c)
	}
	return strings.Join(parts, ", ")
}

// buildCreateSQL generates the fact table DDL. Key columns are
// VARCHAR(64): InnoDB caps an index key at 3072 bytes, which twelve
// utf8mb4 VARCHAR(64) columns hit exactly.
func buildCreateSQL(spec storage.TableSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", spec.Name)
	b.WriteString("id BIGINT AUTO_INCREMENT PRIMARY KEY, ")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(myIdent(c.Name))
		switch c.Type {
		case storage.TypeBigInt:
			b.WriteString(" BIGINT NOT NULL DEFAULT 0")
		case storage.TypeFloat:
			b.WriteString(" DOUBLE NOT NULL DEFAULT 0")
		default:
			b.WriteString(" VARCHAR(64) NOT NULL")
		}
	}
	b.WriteString(", loaded_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)")
	fmt.Fprintf(&b, ", UNIQUE KEY uq_key (%s)) ENGINE=InnoDB", identList(spec.KeyColumns))
	return b.String()
}

// buildUpsertSQL renders a multi-row INSERT with the 8.0.19 row alias
// form of ON DUPLICATE KEY UPDATE (VALUES() is deprecated).
func buildUpsertSQL(table string, columns, updateColumns []string, rowCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, identList(columns))

	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	for i := 0; i < rowCount; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(one)
	}

	b.WriteString(" AS new ON DUPLICATE KEY UPDATE ")
	for i, c := range updateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = new.%s", myIdent(c), myIdent(c))
	}
	b.WriteString(", loaded_at = CURRENT_TIMESTAMP(6)")
	return b.String()
}

// buildCreateStagingSQL creates a connection-scoped staging table with
// only the data columns, no surrogate id and no unique key.
func buildCreateStagingSQL(staging, target string, columns []string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s WHERE FALSE",
		staging, identList(columns), target)
}

// buildLoadDataSQL feeds the staging table from a registered reader
// stream. The clauses mirror the encoder's framing: comma-delimited,
// quote-enclosed, LF-terminated, one header line skipped. ESCAPED BY ''
// turns off backslash interpretation; the encoder quote-doubles and
// never escapes, so a bare backslash in a value must load verbatim.
func buildLoadDataSQL(readerName, staging string, columns []string) string {
	return fmt.Sprintf(
		"LOAD DATA LOCAL INFILE 'Reader::%s' INTO TABLE %s "+
			"CHARACTER SET utf8mb4 "+
			"FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '\"' ESCAPED BY '' "+
			"LINES TERMINATED BY '\\n' IGNORE 1 LINES (%s)",
		readerName, staging, identList(columns),
	)
}

// buildMergeSQL upserts the staged rows in one statement. The derived
// table wrapper gives the source rows an alias the update clause can
// reference, the 8.0 replacement for VALUES().
func buildMergeSQL(table, staging string, columns, updateColumns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT * FROM (SELECT %s FROM %s) AS new ON DUPLICATE KEY UPDATE ",
		table, identList(columns), identList(columns), staging)
	for i, c := range updateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = new.%s", myIdent(c), myIdent(c))
	}
	b.WriteString(", loaded_at = CURRENT_TIMESTAMP(6)")
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
		fmt.Fprintf(&b, "SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END)", myIdent(c))
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
		"SELECT %s, COUNT(*) FROM %s%s GROUP BY %s HAVING COUNT(*) > 1 ORDER BY COUNT(*) DESC LIMIT %d",
		keys, scope.Table, where, keys, limit,
	)
	return q, args
}

// buildPurgeSQL joins against a materialized ranking because MySQL will
// not delete from a table referenced in a plain subquery.
func buildPurgeSQL(scope storage.AuditScope) (string, []any) {
	where, args := scopeWhere(scope)
	keys := identList(scope.KeyColumns)
	q := fmt.Sprintf(
		"DELETE f FROM %s f JOIN ("+
			"SELECT id FROM ("+
			"SELECT id, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY loaded_at DESC, id DESC) AS rn FROM %s%s"+
			") ranked WHERE rn > 1"+
			") dup ON f.id = dup.id",
		scope.Table, keys, scope.Table, where,
	)
	return q, args
}
