// Package datedim generates calendar entries for the date dimension. The
// dimension is derived data: rows can always be regenerated from their keys,
// so generation is pure and loading is left to the storage backends.
package datedim

import (
	"sort"
	"time"

	"bankdw/internal/warehouse"
)

// Entry builds the dimension row for the UTC calendar date of t.
func Entry(t time.Time) warehouse.DateEntry {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	wd := day.Weekday()
	return warehouse.DateEntry{
		DateKey:     warehouse.DateKeyOf(day),
		Date:        day,
		Year:        day.Year(),
		Quarter:     (int(day.Month())-1)/3 + 1,
		Month:       int(day.Month()),
		MonthName:   day.Month().String(),
		Day:         day.Day(),
		DayOfWeek:   int(wd),
		WeekdayName: wd.String(),
		IsWeekend:   wd == time.Saturday || wd == time.Sunday,
	}
}

// Range generates one entry per day from 'from' through 'to' inclusive,
// by UTC calendar date. Returns nil when 'to' precedes 'from'.
func Range(from, to time.Time) []warehouse.DateEntry {
	start := Entry(from).Date
	end := Entry(to).Date
	if end.Before(start) {
		return nil
	}

	var out []warehouse.DateEntry
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, Entry(d))
	}
	return out
}

// Distinct generates entries for the distinct calendar dates among ts,
// ordered by date key.
func Distinct(ts []time.Time) []warehouse.DateEntry {
	seen := make(map[int]warehouse.DateEntry, len(ts))
	for _, t := range ts {
		e := Entry(t)
		seen[e.DateKey] = e
	}

	out := make([]warehouse.DateEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateKey < out[j].DateKey })
	return out
}
