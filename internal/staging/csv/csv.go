// Package csv streams staging records from delimited files.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"bankdw/internal/config"
	"bankdw/internal/staging"
	"bankdw/internal/warehouse"
)

// Source reads one CSV file per run.
//
// Options:
//   - has_header (bool, default true)
//   - comma (string, default ",")
//   - trim_space (bool, default true)
//   - lazy_quotes (bool, default false)
//   - fields_per_record (int, default -1: no check)
//   - header_map (map source header -> canonical column)
type Source struct {
	Path    string
	Options config.Options
}

func (s Source) Stream(ctx context.Context, out chan<- warehouse.StagingRecord, onErr func(line int, err error)) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()
	return StreamRows(ctx, f, s.Options, out, onErr)
}

// StreamRows streams CSV from src into staging records aligned to the
// canonical column order. Rows that fail to parse are reported through onErr
// and skipped; the stream continues.
func StreamRows(
	ctx context.Context,
	src io.Reader,
	opt config.Options,
	out chan<- warehouse.StagingRecord,
	onErr func(line int, err error),
) error {
	var line int

	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)
	hm := opt.StringMap("header_map")

	cr := csv.NewReader(src)
	cr.Comma = opt.Rune("comma", ',')
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	if n := opt.Int("fields_per_record", 0); n != 0 {
		cr.FieldsPerRecord = n
	} else {
		cr.FieldsPerRecord = -1
	}

	columns := staging.Columns
	colIx := make([]int, len(columns))
	for i := range colIx {
		colIx[i] = -1
	}

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	if hasHeader {
		hdr, err := readRec()
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("read header: %w", err))
			}
			return err
		}
		srcToIdx := make(map[string]int, len(hdr))
		for i, h := range hdr {
			if i == 0 {
				h = strings.TrimPrefix(h, "\ufeff")
			}
			srcToIdx[staging.NormalizeHeader(h, hm)] = i
		}
		for t, target := range columns {
			if si, ok := srcToIdx[target]; ok {
				colIx[t] = si
			}
		}
	} else {
		for i := range columns {
			colIx[i] = i
		}
	}

	var position int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := warehouse.StagingRecord{Position: position}
		bad := false
		for t, col := range columns {
			si := colIx[t]
			if si < 0 || si >= len(rec) {
				continue
			}
			v := rec[si]
			if trim {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				continue
			}
			if err := staging.Assign(&row, col, v); err != nil {
				if onErr != nil {
					onErr(line, err)
				}
				bad = true
				break
			}
		}
		if bad {
			continue
		}
		position++

		select {
		case out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
