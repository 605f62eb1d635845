// Package batch runs one warehouse load end to end: a dimension pass that
// versions customers and refreshes products and dates, then a fact pass that
// streams the staging source a second time and inserts transactions
// idempotently. Streaming twice avoids buffering the whole extract in memory
// and lets the fact pass see exactly the dimension state it just produced.
package batch

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bankdw/internal/classify"
	"bankdw/internal/config"
	"bankdw/internal/datedim"
	"bankdw/internal/dedupe"
	"bankdw/internal/metrics"
	"bankdw/internal/normalize"
	"bankdw/internal/staging"
	"bankdw/internal/storage"
	"bankdw/internal/warehouse"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Engine executes one load. Zero values get safe defaults: a nil Clock uses
// time.Now, a nil Logger discards, zero Runtime knobs use config defaults.
type Engine struct {
	Repo   storage.Repository
	Source staging.Source
	Logger Logger

	Rules   config.Rules
	Runtime config.RuntimeConfig

	// Clock supplies the load timestamp. Every row written during one run
	// carries the same instant, so version boundaries line up exactly.
	Clock func() time.Time
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return e.Logger.Printf
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// Run executes the dimension pass and the fact pass. Returns the populated
// summary even on error so callers can report how far the run got.
func (e *Engine) Run(ctx context.Context) (*warehouse.Summary, error) {
	if e.Repo == nil {
		return nil, fmt.Errorf("engine: Repo is required")
	}
	if e.Source == nil {
		return nil, fmt.Errorf("engine: Source is required")
	}

	logf := e.logger()
	rt := e.runtime()
	asOf := e.now()

	sum := &warehouse.Summary{
		BatchID:     uuid.NewString(),
		ProcessedAt: asOf,
	}
	start := time.Now()
	defer func() { sum.Duration = time.Since(start).Truncate(time.Millisecond) }()

	ddlStart := time.Now()
	if err := e.Repo.EnsureSchema(ctx); err != nil {
		return sum, err
	}
	logf("stage=ddl ok duration=%s", durMS(ddlStart))

	dimStart := time.Now()
	records, err := e.dimensionPass(ctx, rt, asOf, sum, logf)
	observeStage("dimension_load", dimStart, err)
	if err != nil {
		return sum, err
	}
	logf("stage=dimension_load ok duration=%s candidates=%d new=%d updated=%d unchanged=%d",
		durMS(dimStart), sum.DimensionCandidates, sum.New, sum.Updated, sum.Unchanged)

	factStart := time.Now()
	err = e.factPass(ctx, rt, asOf, records, sum, logf)
	observeStage("fact_load", factStart, err)
	if err != nil {
		return sum, err
	}
	logf("stage=fact_load ok duration=%s inserted=%d duplicate=%d rejected_amount=%d rejected_future=%d rejected_orphan=%d",
		durMS(factStart), sum.FactsInserted, sum.FactsDuplicate,
		sum.FactsRejectedAmount, sum.FactsRejectedFuture, sum.FactsRejectedOrphan)

	metrics.IncCounter(metrics.MetricBatchesTotal, 1, nil)
	return sum, nil
}

func (e *Engine) runtime() config.RuntimeConfig {
	rt := e.Runtime
	full := config.WithDefaults(config.Pipeline{Runtime: rt}).Runtime
	if rt.NormalizeWorkers <= 0 {
		rt.NormalizeWorkers = full.NormalizeWorkers
	}
	if rt.LoaderWorkers <= 0 {
		rt.LoaderWorkers = full.LoaderWorkers
	}
	if rt.BatchSize <= 0 {
		rt.BatchSize = full.BatchSize
	}
	if rt.ChannelBuffer <= 0 {
		rt.ChannelBuffer = full.ChannelBuffer
	}
	return rt
}

func (e *Engine) bounds() (float64, float64) {
	lo, hi := float64(config.DefaultAmountMin), float64(config.DefaultAmountMax)
	if e.Rules.AmountMin != nil {
		lo = *e.Rules.AmountMin
	}
	if e.Rules.AmountMax != nil {
		hi = *e.Rules.AmountMax
	}
	return lo, hi
}

func observeStage(stage string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := metrics.Labels{"stage": stage, "status": status}
	metrics.IncCounter(metrics.MetricStageTotal, 1, labels)
	metrics.ObserveHistogram(metrics.MetricStageDuration, time.Since(start).Seconds(), labels)
}

// dimensionPass streams the source once, normalizes in a worker pool,
// deduplicates to one winner per customer, classifies against the current
// dimension rows and applies the changes. It returns the full normalized
// record set for the fact pass.
func (e *Engine) dimensionPass(
	ctx context.Context,
	rt config.RuntimeConfig,
	asOf time.Time,
	sum *warehouse.Summary,
	logf func(format string, v ...any),
) ([]warehouse.StagingRecord, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rawCh := make(chan warehouse.StagingRecord, rt.ChannelBuffer)
	normCh := make(chan normalized, rt.ChannelBuffer)

	var read, parseErrs int64
	onErr := func(line int, err error) {
		atomic.AddInt64(&parseErrs, 1)
		logf("stage=read line=%d skipped err=%v", line, err)
	}

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- e.Source.Stream(ctx, rawCh, onErr)
		close(rawCh)
	}()

	var wg sync.WaitGroup
	wg.Add(rt.NormalizeWorkers)
	for w := 0; w < rt.NormalizeWorkers; w++ {
		go func() {
			defer wg.Done()
			for rec := range rawCh {
				atomic.AddInt64(&read, 1)
				out, ok := normalize.Record(rec)
				select {
				case normCh <- normalized{rec: out, wellFormed: ok}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(normCh)
	}()

	var records []warehouse.StagingRecord
	var malformed int
	for n := range normCh {
		if !n.wellFormed {
			malformed++
		}
		records = append(records, n.rec)
	}
	if err := <-streamErr; err != nil {
		return nil, err
	}
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}

	// Collection order is worker-dependent; restore ingestion order so the
	// dedupe tie-break and downstream iteration are deterministic.
	sort.Slice(records, func(i, j int) bool { return records[i].Position < records[j].Position })

	sum.RecordsRead = int(read) + int(parseErrs)
	sum.Malformed = malformed + int(parseErrs)
	metrics.IncCounter(metrics.MetricRecordsTotal, float64(sum.RecordsRead), metrics.Labels{"kind": "read"})
	metrics.IncCounter(metrics.MetricRecordsTotal, float64(sum.Malformed), metrics.Labels{"kind": "malformed"})

	// Only well-formed records are dimension candidates; dedupe skips
	// keyless records on its own, but records missing a name must not
	// produce customer versions either.
	dimInput := make([]warehouse.StagingRecord, 0, len(records))
	for _, r := range records {
		if r.BusinessKey != "" && r.Name != "" {
			dimInput = append(dimInput, r)
		}
	}
	candidates := dedupe.Latest(dimInput)
	sum.DimensionCandidates = len(candidates)

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.BusinessKey
	}
	current, err := e.Repo.CurrentCustomers(ctx, keys)
	if err != nil {
		return nil, err
	}

	changes, unchanged := classify.Changes(candidates, current)
	sum.Unchanged = unchanged
	for _, ch := range changes {
		switch ch.Classification {
		case warehouse.ClassNew:
			sum.New++
		case warehouse.ClassUpdated:
			sum.Updated++
		}
	}

	if err := e.applySharded(ctx, changes, asOf); err != nil {
		return nil, err
	}

	if err := e.Repo.UpsertProducts(ctx, latestProducts(records)); err != nil {
		return nil, err
	}

	var dates []time.Time
	for _, r := range records {
		if !r.TransactionDate.IsZero() {
			dates = append(dates, r.TransactionDate)
		}
	}
	if err := e.Repo.EnsureDates(ctx, datedim.Distinct(dates)); err != nil {
		return nil, err
	}

	return records, nil
}

type normalized struct {
	rec        warehouse.StagingRecord
	wellFormed bool
}

// applySharded partitions changes by FNV of the business key so writes to
// the same key always land on the same worker. After dedupe there is exactly
// one change per key, but the sharding keeps the property even if a caller
// feeds the engine pre-split batches.
func (e *Engine) applySharded(ctx context.Context, changes []warehouse.CustomerChange, asOf time.Time) error {
	workers := e.runtime().LoaderWorkers
	if workers > len(changes) {
		workers = len(changes)
	}
	if workers <= 1 {
		_, err := e.Repo.ApplyCustomerChanges(ctx, changes, asOf)
		return err
	}

	shards := make([][]warehouse.CustomerChange, workers)
	for _, ch := range changes {
		h := fnv.New32a()
		_, _ = h.Write([]byte(ch.BusinessKey))
		i := int(h.Sum32()) % workers
		shards[i] = append(shards[i], ch)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(workers)
	for _, shard := range shards {
		go func(shard []warehouse.CustomerChange) {
			defer wg.Done()
			if _, err := e.Repo.ApplyCustomerChanges(ctx, shard, asOf); err != nil {
				cancel(err)
			}
		}(shard)
	}
	wg.Wait()
	return context.Cause(ctx)
}

// latestProducts picks one attribute set per product, latest transaction
// date winning, same tie-break as the customer dedupe.
func latestProducts(records []warehouse.StagingRecord) []warehouse.Product {
	type winner struct {
		rec warehouse.StagingRecord
	}
	byKey := map[string]winner{}
	var order []string
	for _, r := range records {
		if r.ProductKey == "" {
			continue
		}
		w, ok := byKey[r.ProductKey]
		if !ok {
			byKey[r.ProductKey] = winner{rec: r}
			order = append(order, r.ProductKey)
			continue
		}
		if r.TransactionDate.After(w.rec.TransactionDate) ||
			(r.TransactionDate.Equal(w.rec.TransactionDate) && r.Position < w.rec.Position) {
			byKey[r.ProductKey] = winner{rec: r}
		}
	}

	out := make([]warehouse.Product, 0, len(order))
	for _, k := range order {
		r := byKey[k].rec
		out = append(out, warehouse.Product{
			BusinessKey: r.ProductKey,
			Name:        r.ProductName,
			Category:    r.ProductCategory,
		})
	}
	return out
}

// factPass filters the records against the load rules, resolves surrogate
// keys from the state the dimension pass just wrote, and inserts facts in
// batches across loader workers. Rejections are counted, never fatal; only
// storage errors stop the pass.
func (e *Engine) factPass(
	ctx context.Context,
	rt config.RuntimeConfig,
	asOf time.Time,
	records []warehouse.StagingRecord,
	sum *warehouse.Summary,
	logf func(format string, v ...any),
) error {
	custKeys, prodKeys := map[string]struct{}{}, map[string]struct{}{}
	dateKeys := map[int]struct{}{}
	for _, r := range records {
		if r.BusinessKey != "" {
			custKeys[r.BusinessKey] = struct{}{}
		}
		if r.ProductKey != "" {
			prodKeys[r.ProductKey] = struct{}{}
		}
		if !r.TransactionDate.IsZero() {
			dateKeys[warehouse.DateKeyOf(r.TransactionDate)] = struct{}{}
		}
	}

	custMap, err := e.Repo.CustomerKeyMap(ctx, setToSlice(custKeys))
	if err != nil {
		return err
	}
	prodMap, err := e.Repo.ProductKeyMap(ctx, setToSlice(prodKeys))
	if err != nil {
		return err
	}
	knownDates, err := e.Repo.ExistingDateKeys(ctx, intSetToSlice(dateKeys))
	if err != nil {
		return err
	}

	lo, hi := e.bounds()

	// Duplicate transaction ids inside one extract: first occurrence wins,
	// the rest count as duplicates without a round trip to the database.
	seenTxn := make(map[string]struct{}, len(records))

	var rows []warehouse.TransactionRow
	for _, r := range records {
		if r.TransactionID == "" {
			sum.FactsSkippedNoID++
			continue
		}
		if _, dup := seenTxn[r.TransactionID]; dup {
			sum.FactsDuplicate++
			continue
		}
		seenTxn[r.TransactionID] = struct{}{}

		if r.Amount < lo || r.Amount > hi {
			sum.FactsRejectedAmount++
			continue
		}
		if r.TransactionDate.After(asOf) {
			sum.FactsRejectedFuture++
			continue
		}
		ck, okC := custMap[r.BusinessKey]
		pk, okP := prodMap[r.ProductKey]
		dk := warehouse.DateKeyOf(r.TransactionDate)
		_, okD := knownDates[dk]
		if !okC || !okP || r.TransactionDate.IsZero() || !okD {
			sum.FactsRejectedOrphan++
			continue
		}

		rows = append(rows, warehouse.TransactionRow{
			TransactionID: r.TransactionID,
			CustomerKey:   ck,
			ProductKey:    pk,
			DateKey:       dk,
			Amount:        r.Amount,
			Type:          r.TransactionType,
			LoadedAt:      asOf,
		})
	}

	inserted, skipped, err := e.insertBatches(ctx, rt, rows, logf)
	sum.FactsInserted = inserted
	sum.FactsDuplicate += skipped
	if err != nil {
		return err
	}

	metrics.IncCounter(metrics.MetricRecordsTotal, float64(inserted), metrics.Labels{"kind": "facts_inserted"})
	metrics.IncCounter(metrics.MetricRecordsTotal, float64(sum.FactsDuplicate), metrics.Labels{"kind": "facts_duplicate"})
	return nil
}

// insertBatches fans fact batches out to loader workers. Any worker error
// cancels the derived context with a cause and stops the producer.
func (e *Engine) insertBatches(
	ctx context.Context,
	rt config.RuntimeConfig,
	rows []warehouse.TransactionRow,
	logf func(format string, v ...any),
) (inserted int64, skipped int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	workers := rt.LoaderWorkers
	batchCh := make(chan []warehouse.TransactionRow, workers*2)

	var insertedN, skippedN int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(workerID int) {
			defer wg.Done()
			for batch := range batchCh {
				select {
				case <-ctx.Done():
					continue
				default:
				}

				start := time.Now()
				n, err := e.Repo.InsertTransactions(ctx, batch)
				if err != nil {
					cancel(err)
					logf("stage=fact_batch worker=%d status=error duration=%s err=%v", workerID, durMS(start), err)
					continue
				}
				atomic.AddInt64(&insertedN, n)
				atomic.AddInt64(&skippedN, int64(len(batch))-n)
			}
		}(w)
	}

	for off := 0; off < len(rows); off += rt.BatchSize {
		end := off + rt.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		select {
		case batchCh <- rows[off:end]:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(batchCh)
	wg.Wait()

	return insertedN, int(skippedN), context.Cause(ctx)
}

func setToSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func intSetToSlice(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
