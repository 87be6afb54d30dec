package mysql

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
		"CREATE TABLE IF NOT EXISTS ad_facts",
		"id BIGINT AUTO_INCREMENT PRIMARY KEY",
		"`account_id` VARCHAR(64) NOT NULL",
		"`impressions` BIGINT NOT NULL DEFAULT 0",
		"`ctr` DOUBLE NOT NULL DEFAULT 0",
		"loaded_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)",
		"UNIQUE KEY uq_key (`account_id`, `processing_date`)",
		"ENGINE=InnoDB",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("DDL missing %q:\n%s", want, sql)
		}
	}
}

func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	sql := buildUpsertSQL("ad_facts",
		[]string{"account_id", "impressions"},
		[]string{"impressions"},
		2)

	for _, want := range []string{
		"INSERT INTO ad_facts (`account_id`, `impressions`) VALUES (?, ?), (?, ?)",
		// Row-alias form; VALUES() is deprecated since 8.0.20.
		"AS new ON DUPLICATE KEY UPDATE `impressions` = new.`impressions`",
		"loaded_at = CURRENT_TIMESTAMP(6)",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("upsert missing %q:\n%s", want, sql)
		}
	}
}

func TestBuildLoadDataSQL(t *testing.T) {
	t.Parallel()

	sql := buildLoadDataSQL("ab12cd34", "adsync_stage_ab12cd34", []string{"account_id", "impressions"})
	for _, want := range []string{
		"LOAD DATA LOCAL INFILE 'Reader::ab12cd34' INTO TABLE adsync_stage_ab12cd34",
		// ESCAPED BY '' keeps decoding pure CSV: the writer side never
		// backslash-escapes, so \N and \<char> sequences must stay literal.
		"FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '\"' ESCAPED BY ''",
		`LINES TERMINATED BY '\n'`,
		"IGNORE 1 LINES (`account_id`, `impressions`)",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("load data missing %q:\n%s", want, sql)
		}
	}
}

func TestBuildCreateStagingSQL(t *testing.T) {
	t.Parallel()

	sql := buildCreateStagingSQL("adsync_stage_x", "ad_facts", []string{"account_id", "impressions"})
	want := "CREATE TEMPORARY TABLE adsync_stage_x AS SELECT `account_id`, `impressions` FROM ad_facts WHERE FALSE"
	if sql != want {
		t.Fatalf("staging DDL=%q, want %q", sql, want)
	}
}

func TestBuildMergeSQL(t *testing.T) {
	t.Parallel()

	sql := buildMergeSQL("ad_facts", "adsync_stage_x",
		[]string{"account_id", "impressions"},
		[]string{"impressions"})

	for _, want := range []string{
		"INSERT INTO ad_facts (`account_id`, `impressions`)",
		"SELECT * FROM (SELECT `account_id`, `impressions` FROM adsync_stage_x) AS new",
		"ON DUPLICATE KEY UPDATE `impressions` = new.`impressions`",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("merge missing %q:\n%s", want, sql)
		}
	}
	if strings.Contains(sql, "`account_id` = new.`account_id`") {
		t.Fatalf("key column update-eligible:\n%s", sql)
	}
}

func TestAuditSQL(t *testing.T) {
	t.Parallel()

	scope := storage.AuditScope{
		Table:      "ad_facts",
		KeyColumns: []string{"account_id", "processing_date"},
		AccountID:  "acc-1",
	}

	nullSQL, args := buildNullKeySQL(scope)
	if !strings.Contains(nullSQL, "SUM(CASE WHEN `account_id` IS NULL THEN 1 ELSE 0 END)") {
		t.Fatalf("null-key sql wrong:\n%s", nullSQL)
	}
	if len(args) != 1 || args[0] != "acc-1" {
		t.Fatalf("args=%v", args)
	}

	groupsSQL, _ := buildDuplicateGroupsSQL(scope, 20)
	if !strings.Contains(groupsSQL, "LIMIT 20") {
		t.Fatalf("groups sql missing LIMIT:\n%s", groupsSQL)
	}

	purgeSQL, _ := buildPurgeSQL(scope)
	for _, want := range []string{
		"DELETE f FROM ad_facts f JOIN",
		"ROW_NUMBER() OVER (PARTITION BY `account_id`, `processing_date` ORDER BY loaded_at DESC, id DESC)",
		"WHERE rn > 1",
		"ON f.id = dup.id",
	} {
		if !strings.Contains(purgeSQL, want) {
			t.Fatalf("purge sql missing %q:\n%s", want, purgeSQL)
		}
	}
}
