package multitable

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"sparkify/internal/storage"
)

// Pipeline is the JSON run configuration.
type Pipeline struct {
	Job     string        `json:"job"`
	Sources Sources       `json:"sources"`
	Storage Storage       `json:"storage"`
	Runtime RuntimeConfig `json:"runtime"`
	Export  *Export       `json:"export,omitempty"`
}

type Sources struct {
	Catalog  SourceSpec `json:"catalog"`
	Activity SourceSpec `json:"activity"`
}

// SourceSpec points at a dataset. Kind is "jsonl_dir"; Path may be a
// directory or a single file.
type SourceSpec struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

type Storage struct {
	// Backend kind: "postgres" | "sqlite" | "mssql" | "memory"
	Kind string `json:"kind"`
	// DSN is expanded with os.ExpandEnv before use.
	DSN              string `json:"dsn"`
	AutoCreateTables bool   `json:"auto_create_tables"`
}

// RuntimeConfig controls execution behavior.
type RuntimeConfig struct {
	// Workers shards each pass across this many writers (default 1).
	Workers       int `json:"workers"`
	ChannelBuffer int `json:"channel_buffer"`

	// EventIDs selects the songplay_id strategy: "sequence" (default) or
	// "snowflake".
	EventIDs string `json:"event_ids"`
	// NodeID is the snowflake node, 0..1023.
	NodeID int64 `json:"node_id"`

	// DedupeFacts makes fact inserts ignore rows whose row_hash is already
	// stored, so reruns over the same logs add nothing.
	DedupeFacts bool `json:"dedupe_facts"`

	// DebugTimings logs the duration of every record transaction.
	DebugTimings bool `json:"debug_timings"`

	// SkipCatalog rebuilds the catalog index from the sink instead of reading
	// the catalog source.
	SkipCatalog bool `json:"skip_catalog"`
}

// Export writes the loaded tables to files after a successful run.
type Export struct {
	Kind string `json:"kind"` // "parquet"
	Dir  string `json:"dir"`
}

const (
	EventIDsSequence  = "sequence"
	EventIDsSnowflake = "snowflake"

	SourceJSONLDir = "jsonl_dir"
	ExportParquet  = "parquet"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one configuration problem. Path is a dotted JSON path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// LoadPipeline reads a JSON config file. Unknown fields are rejected.
func LoadPipeline(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParsePipeline(b)
}

// ParsePipeline decodes a JSON config.
func ParsePipeline(b []byte) (Pipeline, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("config: decode: %w", err)
	}
	return p, nil
}

// ValidatePipeline reports every problem it finds rather than stopping at
// the first one.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(p.Job) == "" {
		add(SeverityWarning, "job", "job name is empty; metrics and logs will use %q", defaultJob)
	}

	checkSource := func(path string, s SourceSpec, required bool) {
		if s.Kind == "" && s.Path == "" && !required {
			return
		}
		if s.Kind != SourceJSONLDir {
			add(SeverityError, path+".kind", "unsupported source kind %q (want %q)", s.Kind, SourceJSONLDir)
		}
		if strings.TrimSpace(s.Path) == "" {
			add(SeverityError, path+".path", "path is required")
		}
	}
	checkSource("sources.catalog", p.Sources.Catalog, !p.Runtime.SkipCatalog)
	checkSource("sources.activity", p.Sources.Activity, true)

	kinds := storage.Kinds()
	if p.Storage.Kind == "" {
		add(SeverityError, "storage.kind", "storage kind is required (one of %s)", strings.Join(kinds, ", "))
	} else if !contains(kinds, p.Storage.Kind) {
		add(SeverityError, "storage.kind", "unknown storage kind %q (registered: %s)", p.Storage.Kind, strings.Join(kinds, ", "))
	}
	if p.Storage.DSN == "" && p.Storage.Kind != "memory" {
		add(SeverityError, "storage.dsn", "dsn is required")
	}

	rt := p.Runtime
	if rt.Workers < 0 {
		add(SeverityError, "runtime.workers", "must be >= 0")
	}
	if rt.ChannelBuffer < 0 {
		add(SeverityError, "runtime.channel_buffer", "must be >= 0")
	}
	switch rt.EventIDs {
	case "", EventIDsSequence:
	case EventIDsSnowflake:
		if rt.NodeID < 0 || rt.NodeID > 1023 {
			add(SeverityError, "runtime.node_id", "must be within 0..1023")
		}
	default:
		add(SeverityError, "runtime.event_ids", "unknown strategy %q (want %q or %q)", rt.EventIDs, EventIDsSequence, EventIDsSnowflake)
	}
	if rt.SkipCatalog && p.Storage.Kind == "memory" {
		add(SeverityError, "runtime.skip_catalog", "a memory sink starts empty; the catalog index cannot be rebuilt from it")
	}

	if p.Export != nil {
		if p.Export.Kind != ExportParquet {
			add(SeverityError, "export.kind", "unsupported export kind %q (want %q)", p.Export.Kind, ExportParquet)
		}
		if strings.TrimSpace(p.Export.Dir) == "" {
			add(SeverityError, "export.dir", "dir is required")
		}
	}
	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
