package multitable

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// PassReport counts what happened to the records of one pass.
type PassReport struct {
	Seen         int64 `json:"seen"`
	DecodeErrors int64 `json:"decode_errors"`
	// Filtered counts activity records that are not playback events.
	Filtered  int64 `json:"filtered"`
	Conflicts int64 `json:"conflicts"`
	Committed int64 `json:"committed"`
}

// Report summarizes one run. It is returned on success and carried by
// *RunError on failure, with the counters as they stood when the run stopped.
type Report struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Catalog  PassReport `json:"catalog"`
	Activity PassReport `json:"activity"`

	// RowsWritten counts rows inserted or updated per table.
	RowsWritten map[string]int64 `json:"rows_written"`

	IndexEntries int `json:"index_entries"`
	// ResolutionHits and ResolutionMisses count committed facts only.
	ResolutionHits   int64 `json:"resolution_hits"`
	ResolutionMisses int64 `json:"resolution_misses"`
	// FactDuplicates counts facts skipped because their row_hash was stored.
	FactDuplicates int64 `json:"fact_duplicates"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// String renders a one-line key=value summary for logs.
func (r *Report) String() string {
	tables := make([]string, 0, len(r.RowsWritten))
	for t := range r.RowsWritten {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	rows := make([]string, 0, len(tables))
	for _, t := range tables {
		rows = append(rows, fmt.Sprintf("%s:%d", t, r.RowsWritten[t]))
	}

	return fmt.Sprintf(
		"run_id=%s catalog_seen=%d catalog_decode_errors=%d catalog_conflicts=%d activity_seen=%d activity_decode_errors=%d activity_filtered=%d activity_conflicts=%d hits=%d misses=%d fact_duplicates=%d rows=%s",
		r.RunID,
		r.Catalog.Seen, r.Catalog.DecodeErrors, r.Catalog.Conflicts,
		r.Activity.Seen, r.Activity.DecodeErrors, r.Activity.Filtered, r.Activity.Conflicts,
		r.ResolutionHits, r.ResolutionMisses, r.FactDuplicates,
		strings.Join(rows, ","),
	)
}

// RunError is a fatal run failure. Report holds the counters up to the
// failure.
type RunError struct {
	Report *Report
	Err    error
}

func (e *RunError) Error() string { return "run failed: " + e.Err.Error() }
func (e *RunError) Unwrap() error { return e.Err }

// tally is the mutable, concurrency-safe side of a Report.
type tally struct {
	mu sync.Mutex
	r  Report
}

func newTally(runID, job string, start time.Time) *tally {
	return &tally{r: Report{RunID: runID, Job: job, StartedAt: start, RowsWritten: map[string]int64{}}}
}

func (t *tally) update(fn func(r *Report)) {
	t.mu.Lock()
	fn(&t.r)
	t.mu.Unlock()
}

func (t *tally) addRows(w writes) {
	if len(w) == 0 {
		return
	}
	t.mu.Lock()
	for table, n := range w {
		t.r.RowsWritten[table] += n
	}
	t.mu.Unlock()
}

// snapshot returns a detached copy.
func (t *tally) snapshot() *Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.r
	cp.RowsWritten = make(map[string]int64, len(t.r.RowsWritten))
	for k, v := range t.r.RowsWritten {
		cp.RowsWritten[k] = v
	}
	return &cp
}
