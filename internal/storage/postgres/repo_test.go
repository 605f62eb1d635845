package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"bankdw/internal/warehouse"
)

func TestBuildFactInsertSQL_PlaceholdersAndArgsMatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)
	rows := []warehouse.TransactionRow{
		{TransactionID: "TXN000001", CustomerKey: 1, ProductKey: 2, DateKey: 20240601, Amount: 10, Type: "Deposit", LoadedAt: now},
		{TransactionID: "TXN000002", CustomerKey: 1, ProductKey: 2, DateKey: 20240601, Amount: 20, Type: "Fee", LoadedAt: now},
	}

	sql, args := buildFactInsertSQL(rows)

	if want := len(rows) * 7; len(args) != want {
		t.Fatalf("args = %d, want %d", len(args), want)
	}
	// Placeholders must be numbered $1..$14 exactly once each.
	for p := 1; p <= len(args); p++ {
		if got := strings.Count(sql, fmt.Sprintf("$%d", p)); got < 1 {
			t.Fatalf("placeholder $%d missing in %q", p, sql)
		}
	}
	if strings.Contains(sql, fmt.Sprintf("$%d", len(args)+1)) {
		t.Fatalf("extra placeholder beyond $%d", len(args))
	}
	if !strings.Contains(sql, "ON CONFLICT (transaction_id) DO NOTHING") {
		t.Fatalf("missing idempotent conflict clause: %q", sql)
	}
	if args[0] != "TXN000001" || args[7] != "TXN000002" {
		t.Fatalf("row args misaligned: %v", args[:8])
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("23503 is a foreign key violation, not unique")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
	if isUniqueViolation(nil) {
		t.Fatalf("nil is not a unique violation")
	}
}

func TestSchemaStatements_SingleCurrentIndex(t *testing.T) {
	t.Parallel()

	var found bool
	for _, stmt := range schemaStatements {
		if strings.Contains(stmt, "ux_dim_customer_current") {
			found = true
			if !strings.Contains(stmt, "WHERE is_current") {
				t.Fatalf("current-row index must be partial: %q", stmt)
			}
		}
	}
	if !found {
		t.Fatalf("single-current unique index missing from schema")
	}
}
