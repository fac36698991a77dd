// Package multitable loads the catalog and activity datasets into the star
// schema: songs, artists, users and time dimensions plus the songplays fact
// table.
//
// A run has two passes. The catalog pass fills the catalog index and upserts
// song and artist rows; the index is then sealed. The activity pass writes
// user, time and fact rows for every playback event, resolving song and artist
// keys against the sealed index. Each record is committed in its own
// transaction.
package multitable

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sparkify/internal/catalog"
	"sparkify/internal/metrics"
	"sparkify/internal/record"
	"sparkify/internal/source"
	"sparkify/internal/storage"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

const defaultChannelBuffer = 256

// Engine runs one load. Repo, Activity and Tables are required; Catalog is
// required unless Runtime.SkipCatalog is set. IDs defaults to the strategy
// named by Runtime.EventIDs.
type Engine struct {
	Repo     storage.Repository
	Logger   Logger
	Catalog  source.Source
	Activity source.Source
	Tables   Tables
	IDs      IDGenerator
	Runtime  RuntimeConfig

	RunID string
	Job   string
}

// Run executes both passes. Decode failures and conflicts are skipped and
// counted. Any other failure stops the run and is returned as *RunError
// carrying the report so far.
//
// Cancellation is honoured between records: a record whose transaction has
// begun is always committed or rolled back as a whole.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if e.RunID == "" {
		e.RunID = uuid.NewString()
	}
	if e.Job == "" {
		e.Job = defaultJob
	}
	t := newTally(e.RunID, e.Job, time.Now().UTC())

	fail := func(err error) (*Report, error) {
		r := t.snapshot()
		r.FinishedAt = time.Now().UTC()
		status := "error"
		if storage.IsCanceled(err) {
			status = "canceled"
		}
		e.logf("stage=run status=%s run_id=%s err=%v %s", status, e.RunID, err, r)
		return r, &RunError{Report: r, Err: err}
	}

	if err := e.check(); err != nil {
		return fail(err)
	}

	if err := e.step("ddl", func() error {
		return e.Repo.EnsureTables(ctx, e.Tables.All())
	}); err != nil {
		return fail(err)
	}

	if e.IDs == nil {
		ids, err := newIDGenerator(ctx, e.Runtime, e.Repo)
		if err != nil {
			return fail(err)
		}
		e.IDs = ids
	}

	idx := catalog.NewIndex()
	if err := e.step("catalog", func() error {
		if e.Runtime.SkipCatalog {
			return e.prewarm(ctx, idx)
		}
		return e.catalogPass(ctx, idx, t)
	}); err != nil {
		return fail(err)
	}
	idx.Seal()
	t.update(func(r *Report) { r.IndexEntries = idx.Len() })
	e.logf("stage=catalog_index sealed entries=%d", idx.Len())

	if err := e.step("activity", func() error {
		return e.activityPass(ctx, &FactBuilder{Index: idx, IDs: e.IDs}, t)
	}); err != nil {
		return fail(err)
	}

	r := t.snapshot()
	r.FinishedAt = time.Now().UTC()
	e.logf("stage=run ok duration=%s %s", r.Duration().Truncate(time.Millisecond), r)
	return r, nil
}

func (e *Engine) check() error {
	switch {
	case e.Repo == nil:
		return fmt.Errorf("engine: Repo is required")
	case e.Activity == nil:
		return fmt.Errorf("engine: Activity source is required")
	case e.Catalog == nil && !e.Runtime.SkipCatalog:
		return fmt.Errorf("engine: Catalog source is required unless skip_catalog is set")
	case e.Tables.Songplays.Name == "":
		return fmt.Errorf("engine: Tables are required")
	}
	return nil
}

var discard Logger = log.New(io.Discard, "", 0)

func (e *Engine) logf(format string, v ...any) {
	if e.Logger == nil {
		discard.Printf(format, v...)
		return
	}
	e.Logger.Printf(format, v...)
}

// step runs fn and records its outcome as a log line and step metrics.
func (e *Engine) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	dur := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := metrics.Labels{"step": name, "status": status}
	metrics.IncCounter("etl_step_total", 1, labels)
	metrics.ObserveHistogram("etl_step_duration_seconds", dur.Seconds(), labels)

	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	e.logf("stage=%s ok duration=%s", name, dur.Truncate(time.Millisecond))
	return nil
}

func countRecords(pass, kind string, n int64) {
	metrics.IncCounter("etl_records_total", float64(n), metrics.Labels{"kind": pass + "_" + kind})
}

type catalogItem struct {
	rec   source.Record
	entry record.CatalogEntry
}

func (e *Engine) catalogPass(ctx context.Context, idx *catalog.Index, t *tally) error {
	up := Upserter{Tables: e.Tables}

	decode := func(rec source.Record) (catalogItem, string, bool) {
		t.update(func(r *Report) { r.Catalog.Seen++ })
		countRecords("catalog", "seen", 1)

		entry, err := decodeWith(rec, record.DecodeCatalog)
		if err != nil {
			e.skipDecode("catalog", rec, err, t, func(r *Report) *PassReport { return &r.Catalog })
			return catalogItem{}, "", false
		}
		return catalogItem{rec: rec, entry: entry}, entry.ArtistID, true
	}

	process := func(ctx context.Context, it catalogItem) error {
		w := writes{}
		err := e.withTx(ctx, "catalog", func(ctx context.Context, tx storage.RowWriter) error {
			if err := up.UpsertSong(ctx, tx, it.entry, w); err != nil {
				return err
			}
			return up.UpsertArtist(ctx, tx, it.entry, w)
		})
		// Only committed entries may resolve facts.
		if err == nil {
			idx.Load(it.entry.Title, it.entry.ArtistName, catalog.Match{SongID: it.entry.SongID, ArtistID: it.entry.ArtistID}, it.rec.Seq)
		}
		return e.settle("catalog", it.rec, err, w, t, func(r *Report) *PassReport { return &r.Catalog })
	}

	return runPass(ctx, e.Runtime, e.Catalog, decode, process)
}

type activityItem struct {
	rec   source.Record
	entry record.ActivityEntry
}

func (e *Engine) activityPass(ctx context.Context, fb *FactBuilder, t *tally) error {
	up := Upserter{Tables: e.Tables}

	decode := func(rec source.Record) (activityItem, string, bool) {
		t.update(func(r *Report) { r.Activity.Seen++ })
		countRecords("activity", "seen", 1)

		entry, err := decodeWith(rec, record.DecodeActivity)
		if err != nil {
			e.skipDecode("activity", rec, err, t, func(r *Report) *PassReport { return &r.Activity })
			return activityItem{}, "", false
		}
		if !entry.IsPlayback() {
			t.update(func(r *Report) { r.Activity.Filtered++ })
			countRecords("activity", "filtered", 1)
			return activityItem{}, "", false
		}
		return activityItem{rec: rec, entry: entry}, strconv.FormatInt(entry.UserID, 10), true
	}

	process := func(ctx context.Context, it activityItem) error {
		f, err := fb.Build(it.entry)
		if err != nil {
			return fmt.Errorf("activity record %s:%d: %w", it.rec.File, it.rec.Line, err)
		}
		var stored bool
		w := writes{}
		err = e.withTx(ctx, "activity", func(ctx context.Context, tx storage.RowWriter) error {
			if err := up.UpsertUser(ctx, tx, it.entry, w); err != nil {
				return err
			}
			if err := up.UpsertTime(ctx, tx, f.Time, w); err != nil {
				return err
			}
			var err error
			stored, err = InsertFact(ctx, tx, e.Tables.Songplays, f, w)
			return err
		})
		if err == nil {
			t.update(func(r *Report) {
				if f.Matched {
					r.ResolutionHits++
				} else {
					r.ResolutionMisses++
				}
				if !stored {
					r.FactDuplicates++
				}
			})
			if !stored {
				countRecords("activity", "fact_duplicate", 1)
			}
		}
		return e.settle("activity", it.rec, err, w, t, func(r *Report) *PassReport { return &r.Activity })
	}

	return runPass(ctx, e.Runtime, e.Activity, decode, process)
}

func decodeWith[T any](rec source.Record, decode func(record.Raw) (T, error)) (T, error) {
	if rec.Err != nil {
		var zero T
		return zero, rec.Err
	}
	return decode(rec.Raw)
}

func (e *Engine) skipDecode(pass string, rec source.Record, err error, t *tally, pr func(*Report) *PassReport) {
	t.update(func(r *Report) { pr(r).DecodeErrors++ })
	countRecords(pass, "decode_error", 1)
	e.logf("stage=%s status=skip reason=decode file=%s line=%d err=%v", pass, rec.File, rec.Line, err)
}

// withTx runs fn in one transaction that outlives ctx cancellation.
func (e *Engine) withTx(ctx context.Context, pass string, fn func(ctx context.Context, w storage.RowWriter) error) error {
	txCtx := context.WithoutCancel(ctx)
	start := time.Now()
	err := e.Repo.WithTx(txCtx, func(w storage.RowWriter) error { return fn(txCtx, w) })
	if e.Runtime.DebugTimings {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.logf("stage=%s_tx status=%s duration=%s", pass, status, time.Since(start))
	}
	return err
}

// settle books a record's outcome. Conflicts are counted and swallowed;
// anything else is returned and stops the run.
func (e *Engine) settle(pass string, rec source.Record, err error, w writes, t *tally, pr func(*Report) *PassReport) error {
	switch {
	case err == nil:
		t.update(func(r *Report) { pr(r).Committed++ })
		t.addRows(w)
		countRecords(pass, "committed", 1)
		for table, n := range w {
			metrics.IncCounter("etl_rows_written_total", float64(n), metrics.Labels{"table": table})
		}
		return nil
	case errFatal(err):
		return fmt.Errorf("%s record %s:%d: %w", pass, rec.File, rec.Line, err)
	default:
		t.update(func(r *Report) { pr(r).Conflicts++ })
		countRecords(pass, "conflict", 1)
		e.logf("stage=%s status=skip reason=conflict file=%s line=%d err=%v", pass, rec.File, rec.Line, err)
		return nil
	}
}

// runPass streams src, decodes on one goroutine and fans records out to
// workers by shard key, so records sharing a key are processed in input
// order. The first process error cancels the pass.
func runPass[T any](
	ctx context.Context,
	rt RuntimeConfig,
	src source.Source,
	decode func(source.Record) (T, string, bool),
	process func(context.Context, T) error,
) error {
	workers := rt.Workers
	if workers <= 0 {
		workers = 1
	}
	buf := rt.ChannelBuffer
	if buf <= 0 {
		buf = defaultChannelBuffer
	}

	g, gctx := errgroup.WithContext(ctx)

	recs := make(chan source.Record, buf)
	g.Go(func() error {
		defer close(recs)
		return src.Stream(gctx, recs)
	})

	shards := make([]chan T, workers)
	for i := range shards {
		shards[i] = make(chan T, buf/workers+1)
	}
	g.Go(func() error {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		for rec := range recs {
			item, key, ok := decode(rec)
			if !ok {
				continue
			}
			select {
			case shards[shardOf(key, workers)] <- item:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for _, ch := range shards {
		g.Go(func() error {
			for item := range ch {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := process(gctx, item); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func shardOf(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
