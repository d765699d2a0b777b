package integration_test

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func loadEventKinds(t *testing.T, dbPath string) map[string]int {
	t.Helper()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.Query("SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		t.Fatalf("query ledger events: %v", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	kinds := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			t.Fatalf("scan ledger event: %v", err)
		}
		kinds[kind] = count
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate ledger events: %v", err)
	}
	return kinds
}

func requireLedgerEvents(t *testing.T, dbPath string, want []string) {
	t.Helper()

	kinds := loadEventKinds(t, dbPath)
	for _, kind := range want {
		if kinds[kind] == 0 {
			t.Fatalf("missing ledger event %s in %s (have %v)", kind, dbPath, kinds)
		}
	}
}
