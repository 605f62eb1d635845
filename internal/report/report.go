// Package report renders load summaries and the validation ledger for
// terminal consumption.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"bankdw/internal/warehouse"
)

// Renderer formats summaries and ledgers. useColor controls ANSI status
// coloring; keep it off when writing to files or pipes.
type Renderer struct {
	useColor bool
}

func NewRenderer(useColor bool) *Renderer {
	return &Renderer{useColor: useColor}
}

// Summary renders the per-stage counters of one load.
func (r *Renderer) Summary(w io.Writer, sum *warehouse.Summary) {
	fmt.Fprintf(w, "batch %s processed at %s in %s\n",
		sum.BatchID, sum.ProcessedAt.Format("2006-01-02 15:04:05 MST"), sum.Duration)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Stage", "Counter", "Value"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	rows := [][]string{
		{"extract", "records read", fmt.Sprint(sum.RecordsRead)},
		{"extract", "malformed", fmt.Sprint(sum.Malformed)},
		{"dimension", "candidates", fmt.Sprint(sum.DimensionCandidates)},
		{"dimension", "new", fmt.Sprint(sum.New)},
		{"dimension", "updated", fmt.Sprint(sum.Updated)},
		{"dimension", "unchanged", fmt.Sprint(sum.Unchanged)},
		{"fact", "inserted", fmt.Sprint(sum.FactsInserted)},
		{"fact", "duplicates skipped", fmt.Sprint(sum.FactsDuplicate)},
		{"fact", "skipped no id", fmt.Sprint(sum.FactsSkippedNoID)},
		{"fact", "rejected amount", fmt.Sprint(sum.FactsRejectedAmount)},
		{"fact", "rejected future", fmt.Sprint(sum.FactsRejectedFuture)},
		{"fact", "rejected orphan", fmt.Sprint(sum.FactsRejectedOrphan)},
	}
	table.AppendBulk(rows)
	table.Render()
}

// statusRank orders failures first so they are visible without scrolling.
var statusRank = map[warehouse.ValidationStatus]int{
	warehouse.StatusFailed:  0,
	warehouse.StatusSkipped: 1,
	warehouse.StatusPassed:  2,
}

// Ledger renders validation results ordered by status (failures first) then
// check timestamp.
func (r *Renderer) Ledger(w io.Writer, results []warehouse.ValidationResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no validation results")
		return
	}

	ordered := make([]warehouse.ValidationResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		if statusRank[ordered[i].Status] != statusRank[ordered[j].Status] {
			return statusRank[ordered[i].Status] < statusRank[ordered[j].Status]
		}
		return ordered[i].CheckedAt.Before(ordered[j].CheckedAt)
	})
	results = ordered

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Rule", "Table", "Checked", "Failed", "Ratio", "Status", "Detail"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, res := range results {
		table.Append([]string{
			res.Rule,
			res.TargetTable,
			fmt.Sprint(res.Checked),
			fmt.Sprint(res.Failed),
			fmt.Sprintf("%.4f", res.FailureRatio),
			r.status(res.Status),
			res.Detail,
		})
	}
	table.Render()

	var failed int
	for _, res := range results {
		if res.Status == warehouse.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(w, "%d of %d checks failed\n", failed, len(results))
	} else {
		fmt.Fprintf(w, "all %d checks passed\n", len(results))
	}
}

func (r *Renderer) status(s warehouse.ValidationStatus) string {
	if !r.useColor {
		return string(s)
	}
	switch s {
	case warehouse.StatusPassed:
		return color.GreenString(string(s))
	case warehouse.StatusFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

// FailedRules returns the rule names of all FAILED results, for exit-code
// and log decisions.
func FailedRules(results []warehouse.ValidationResult) []string {
	var out []string
	for _, res := range results {
		if res.Status == warehouse.StatusFailed {
			out = append(out, res.Rule)
		}
	}
	return out
}

// OneLine is the compact form used in logs.
func OneLine(sum *warehouse.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "read=%d malformed=%d new=%d updated=%d unchanged=%d inserted=%d duplicate=%d noid=%d rejected=%d",
		sum.RecordsRead, sum.Malformed, sum.New, sum.Updated, sum.Unchanged,
		sum.FactsInserted, sum.FactsDuplicate, sum.FactsSkippedNoID,
		sum.FactsRejectedAmount+sum.FactsRejectedFuture+sum.FactsRejectedOrphan)
	return b.String()
}
