package mssql

import (
	"strings"
	"testing"

	"adsync/internal/storage"
)

func testSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: "ad_facts",
		Columns: []storage.ColumnSpec{
			{Name: "account_id", Type: storage.TypeText},
			{Name: "processing_date", Type: storage.TypeText},
			{Name: "impressions", Type: storage.TypeBigInt},
			{Name: "ctr", Type: storage.TypeFloat},
		},
		KeyColumns: []string{"account_id", "processing_date"},
	}
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	sql := buildCreateSQL(testSpec())
	for _, want := range []string{
		"IF OBJECT_ID(N'ad_facts', N'U') IS NULL CREATE TABLE ad_facts",
		"id BIGINT IDENTITY(1,1) PRIMARY KEY",
		"[account_id] NVARCHAR(64) NOT NULL",
		"[impressions] BIGINT NOT NULL DEFAULT 0",
		"[ctr] FLOAT NOT NULL DEFAULT 0",
		"loaded_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()",
		"UNIQUE ([account_id], [processing_date])",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("DDL missing %q:\n%s", want, sql)
		}
	}
}

func TestBuildMergeValuesSQL(t *testing.T) {
	t.Parallel()

	cols := []string{"account_id", "processing_date", "impressions"}
	rows := [][]any{
		{"a1", "2026-08-30", int64(10)},
		{"a2", "2026-08-30", int64(20)},
	}
	sql, args := buildMergeValuesSQL("ad_facts", cols, []string{"account_id", "processing_date"}, []string{"impressions"}, rows)

	for _, want := range []string{
		"MERGE INTO ad_facts WITH (HOLDLOCK) AS tgt",
		"USING (VALUES (@p1, @p2, @p3), (@p4, @p5, @p6)) AS src ([account_id], [processing_date], [impressions])",
		"ON tgt.[account_id] = src.[account_id] AND tgt.[processing_date] = src.[processing_date]",
		"WHEN MATCHED THEN UPDATE SET tgt.[impressions] = src.[impressions], tgt.loaded_at = SYSUTCDATETIME()",
		"WHEN NOT MATCHED THEN INSERT ([account_id], [processing_date], [impressions]) VALUES (src.[account_id], src.[processing_date], src.[impressions]);",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("merge missing %q:\n%s", want, sql)
		}
	}
	if len(args) != 6 || args[0] != "a1" || args[5] != int64(20) {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildMergeValuesSQLNeverUpdatesKeys(t *testing.T) {
	t.Parallel()

	sql, _ := buildMergeValuesSQL("ad_facts",
		[]string{"account_id", "impressions"},
		[]string{"account_id"},
		[]string{"impressions"},
		[][]any{{"a1", int64(1)}})

	if strings.Contains(sql, "SET tgt.[account_id]") {
		t.Fatalf("key column update-eligible:\n%s", sql)
	}
	// MERGE must be terminated.
	if !strings.HasSuffix(sql, ";") {
		t.Fatalf("merge not semicolon-terminated:\n%s", sql)
	}
}

func TestBuildMergeStagingSQL(t *testing.T) {
	t.Parallel()

	sql := buildMergeStagingSQL("ad_facts", "#adsync_stage_ab12",
		[]string{"account_id", "impressions"},
		[]string{"account_id"},
		[]string{"impressions"})

	if !strings.Contains(sql, "USING #adsync_stage_ab12 AS src") {
		t.Fatalf("staging source wrong:\n%s", sql)
	}
	if !strings.Contains(sql, "WITH (HOLDLOCK)") {
		t.Fatalf("merge not serialized with HOLDLOCK:\n%s", sql)
	}
}

func TestBuildCreateStagingSQL(t *testing.T) {
	t.Parallel()

	sql := buildCreateStagingSQL("#adsync_stage_ab12", "ad_facts", []string{"account_id", "impressions"})
	want := "SELECT [account_id], [impressions] INTO #adsync_stage_ab12 FROM ad_facts WHERE 0 = 1"
	if sql != want {
		t.Fatalf("staging DDL=%q, want %q", sql, want)
	}
}

func TestScopeWherePlaceholders(t *testing.T) {
	t.Parallel()

	where, args := scopeWhere(storage.AuditScope{
		AccountID: "acc-1",
		DateFrom:  "2026-01-01",
	}, 1)
	want := " WHERE account_id = @p1 AND processing_date >= @p2"
	if where != want {
		t.Fatalf("where=%q, want %q", where, want)
	}
	if len(args) != 2 {
		t.Fatalf("args=%v", args)
	}
}

func TestAuditSQL(t *testing.T) {
	t.Parallel()

	scope := storage.AuditScope{
		Table:      "ad_facts",
		KeyColumns: []string{"account_id", "processing_date"},
	}

	nullSQL, _ := buildNullKeySQL(scope)
	if !strings.Contains(nullSQL, "SUM(CASE WHEN [account_id] IS NULL THEN 1 ELSE 0 END)") {
		t.Fatalf("null-key sql wrong:\n%s", nullSQL)
	}

	groupsSQL, _ := buildDuplicateGroupsSQL(scope, 20)
	if !strings.Contains(groupsSQL, "SELECT TOP 20") {
		t.Fatalf("groups sql missing TOP:\n%s", groupsSQL)
	}

	purgeSQL, _ := buildPurgeSQL(scope)
	for _, want := range []string{
		"WITH ranked AS",
		"ROW_NUMBER() OVER (PARTITION BY [account_id], [processing_date] ORDER BY loaded_at DESC, id DESC)",
		"DELETE FROM ranked WHERE rn > 1;",
	} {
		if !strings.Contains(purgeSQL, want) {
			t.Fatalf("purge sql missing %q:\n%s", want, purgeSQL)
		}
	}
}
