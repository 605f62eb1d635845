// Package htmltable streams staging records from an HTML table. Some
// upstream systems hand over extracts as saved report pages rather than CSV;
// this source reads the first matching table and treats its header row as
// the column header.
package htmltable

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bankdw/internal/config"
	"bankdw/internal/staging"
	"bankdw/internal/warehouse"
)

// Source reads one HTML document per run.
//
// Options:
//   - selector (string, default "table"): which table to read; the first
//     match wins.
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

// StreamRows parses the document and streams one record per table body row.
// goquery needs the whole document in memory, so unlike the CSV source this
// is not constant-space; report extracts are small enough that this is fine.
func StreamRows(
	ctx context.Context,
	src io.Reader,
	opt config.Options,
	out chan<- warehouse.StagingRecord,
	onErr func(line int, err error),
) error {
	doc, err := goquery.NewDocumentFromReader(src)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	selector := opt.String("selector", "table")
	table := doc.Find(selector).First()
	if table.Length() == 0 {
		return fmt.Errorf("no table matches selector %q", selector)
	}

	hm := opt.StringMap("header_map")
	rows := table.Find("tr")

	// Header cells may be th or, in sloppier exports, td in the first row.
	var headers []string
	rows.First().Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, staging.NormalizeHeader(cell.Text(), hm))
	})
	if len(headers) == 0 {
		return fmt.Errorf("table matched by %q has no header row", selector)
	}

	var streamErr error
	var position int
	rows.Slice(1, goquery.ToEnd).EachWithBreak(func(i int, tr *goquery.Selection) bool {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			return false
		default:
		}
		line := i + 2 // 1-based, after the header row

		row := warehouse.StagingRecord{Position: position}
		bad := false
		tr.Find("td").EachWithBreak(func(j int, cell *goquery.Selection) bool {
			if j >= len(headers) {
				return false
			}
			v := strings.TrimSpace(cell.Text())
			if v == "" {
				return true
			}
			if err := staging.Assign(&row, headers[j], v); err != nil {
				if onErr != nil {
					onErr(line, err)
				}
				bad = true
				return false
			}
			return true
		})
		if bad {
			return true
		}
		position++

		select {
		case out <- row:
			return true
		case <-ctx.Done():
			streamErr = ctx.Err()
			return false
		}
	})
	return streamErr
}
