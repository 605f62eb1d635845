package csv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"bankdw/internal/config"
	"bankdw/internal/warehouse"
)

// runStream drains StreamRows into a slice so tests can make assertions on
// complete output. Parse error callbacks are captured as "line=N err=..."
// strings to keep comparisons stable.
func runStream(ctx context.Context, input string, opt config.Options) ([]warehouse.StagingRecord, error, []string) {
	out := make(chan warehouse.StagingRecord, 64)
	var parseErrs []string
	onErr := func(line int, e error) {
		parseErrs = append(parseErrs, fmt.Sprintf("line=%d err=%s", line, e.Error()))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- StreamRows(ctx, strings.NewReader(input), opt, out, onErr)
		close(out)
	}()

	var rows []warehouse.StagingRecord
	for r := range out {
		rows = append(rows, r)
	}
	return rows, <-errCh, parseErrs
}

func TestStreamRowsMapsHeadersAndParsesFields(t *testing.T) {
	t.Parallel()

	input := "\ufeffCust ID,customer_name,Tier,transaction_id,transaction_date,amount\n" +
		"CUST001,  alice smith ,prem,TX1,2024-03-01,125.50\n" +
		"CUST002,bob,std,TX2,2024-03-02 09:30:00,-20\n"

	opt := config.Options{
		"header_map": map[string]any{"Cust ID": "customer_id"},
	}
	rows, err, parseErrs := runStream(context.Background(), input, opt)
	if err != nil {
		t.Fatalf("StreamRows: %v", err)
	}
	if len(parseErrs) != 0 {
		t.Fatalf("parse errors: %v", parseErrs)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	r := rows[0]
	if r.BusinessKey != "CUST001" || r.Name != "alice smith" || r.Tier != warehouse.Tier("prem") {
		t.Errorf("row 0 = %+v", r)
	}
	if r.Amount != 125.5 || !r.TransactionDate.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("row 0 amount/date = %v %v", r.Amount, r.TransactionDate)
	}
	if rows[0].Position != 0 || rows[1].Position != 1 {
		t.Errorf("positions = %d, %d", rows[0].Position, rows[1].Position)
	}
	if want := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC); !rows[1].TransactionDate.Equal(want) {
		t.Errorf("row 1 date = %v, want %v", rows[1].TransactionDate, want)
	}
}

func TestStreamRowsSkipsUnparseableRowsAndContinues(t *testing.T) {
	t.Parallel()

	input := "customer_id,amount,transaction_date\n" +
		"CUST001,12.5,2024-03-01\n" +
		"CUST002,not-a-number,2024-03-01\n" +
		"CUST003,7,03-2024-99\n" +
		"CUST004,1,2024-03-02\n"

	rows, err, parseErrs := runStream(context.Background(), input, nil)
	if err != nil {
		t.Fatalf("StreamRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (got %+v)", len(rows), rows)
	}
	if rows[0].BusinessKey != "CUST001" || rows[1].BusinessKey != "CUST004" {
		t.Errorf("kept keys = %q, %q", rows[0].BusinessKey, rows[1].BusinessKey)
	}
	// Skipped rows must not consume positions.
	if rows[1].Position != 1 {
		t.Errorf("position after skips = %d, want 1", rows[1].Position)
	}
	if len(parseErrs) != 2 {
		t.Errorf("parse errors = %v, want 2 entries", parseErrs)
	}
}

func TestStreamRowsHeaderless(t *testing.T) {
	t.Parallel()

	// Without a header, columns follow the canonical order.
	input := "CUST001,alice,12 main st,basic,TX1,2024-03-01,5,purchase,PRD1,savings,deposit\n"
	rows, err, _ := runStream(context.Background(), input, config.Options{"has_header": false})
	if err != nil {
		t.Fatalf("StreamRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.BusinessKey != "CUST001" || r.ProductKey != "PRD1" || r.ProductCategory != "deposit" {
		t.Errorf("row = %+v", r)
	}
}

func TestStreamRowsEmptyCellsLeaveZeroValues(t *testing.T) {
	t.Parallel()

	input := "customer_id,customer_name,amount,transaction_date\nCUST001,alice,,\n"
	rows, err, parseErrs := runStream(context.Background(), input, nil)
	if err != nil || len(parseErrs) != 0 {
		t.Fatalf("err=%v parseErrs=%v", err, parseErrs)
	}
	if rows[0].Amount != 0 || !rows[0].TransactionDate.IsZero() {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestStreamRowsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan warehouse.StagingRecord) // unbuffered, nobody reads
	err := StreamRows(ctx, strings.NewReader("customer_id\nCUST001\n"), nil, out, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSourceOpenMissingFile(t *testing.T) {
	t.Parallel()

	src := Source{Path: "no/such/file.csv"}
	err := src.Stream(context.Background(), make(chan warehouse.StagingRecord, 1), nil)
	if err == nil {
		t.Fatal("want open error")
	}
}
