package multitable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "sparkify/internal/storage/all"
)

func validPipeline() Pipeline {
	return Pipeline{
		Job: "sparkify",
		Sources: Sources{
			Catalog:  SourceSpec{Kind: SourceJSONLDir, Path: "data/song_data"},
			Activity: SourceSpec{Kind: SourceJSONLDir, Path: "data/log_data"},
		},
		Storage: Storage{Kind: "memory"},
	}
}

func TestParsePipeline(t *testing.T) {
	t.Parallel()

	p, err := ParsePipeline([]byte(`{
		"job": "nightly",
		"sources": {
			"catalog": {"kind": "jsonl_dir", "path": "data/song_data"},
			"activity": {"kind": "jsonl_dir", "path": "data/log_data"}
		},
		"storage": {"kind": "postgres", "dsn": "${PG_DSN}", "auto_create_tables": true},
		"runtime": {"workers": 4, "event_ids": "snowflake", "node_id": 7, "dedupe_facts": true},
		"export": {"kind": "parquet", "dir": "out"}
	}`))
	require.NoError(t, err)
	require.Equal(t, "nightly", p.Job)
	require.Equal(t, "data/log_data", p.Sources.Activity.Path)
	require.True(t, p.Storage.AutoCreateTables)
	require.Equal(t, RuntimeConfig{Workers: 4, EventIDs: EventIDsSnowflake, NodeID: 7, DedupeFacts: true}, p.Runtime)
	require.Equal(t, &Export{Kind: ExportParquet, Dir: "out"}, p.Export)

	_, err = ParsePipeline([]byte(`{"job": "x", "storage": {"kind": "memory", "pasword": "oops"}}`))
	require.Error(t, err)
}

func TestLoadPipeline_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadPipeline(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidatePipeline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(p *Pipeline)
		wantPath string
		wantErr  bool
	}{
		{name: "valid", mutate: func(p *Pipeline) {}},
		{name: "empty_job_warns", mutate: func(p *Pipeline) { p.Job = "" }, wantPath: "job"},
		{name: "catalog_kind", mutate: func(p *Pipeline) { p.Sources.Catalog.Kind = "csv" }, wantPath: "sources.catalog.kind", wantErr: true},
		{name: "activity_path", mutate: func(p *Pipeline) { p.Sources.Activity.Path = " " }, wantPath: "sources.activity.path", wantErr: true},
		{name: "catalog_optional_when_skipped", mutate: func(p *Pipeline) {
			p.Sources.Catalog = SourceSpec{}
			p.Storage = Storage{Kind: "sqlite", DSN: "file:x.db"}
			p.Runtime.SkipCatalog = true
		}},
		{name: "storage_kind_missing", mutate: func(p *Pipeline) { p.Storage.Kind = "" }, wantPath: "storage.kind", wantErr: true},
		{name: "storage_kind_unknown", mutate: func(p *Pipeline) { p.Storage.Kind = "oracle"; p.Storage.DSN = "x" }, wantPath: "storage.kind", wantErr: true},
		{name: "dsn_required", mutate: func(p *Pipeline) { p.Storage.Kind = "oracle" }, wantPath: "storage.dsn", wantErr: true},
		{name: "workers_negative", mutate: func(p *Pipeline) { p.Runtime.Workers = -1 }, wantPath: "runtime.workers", wantErr: true},
		{name: "buffer_negative", mutate: func(p *Pipeline) { p.Runtime.ChannelBuffer = -1 }, wantPath: "runtime.channel_buffer", wantErr: true},
		{name: "event_ids_unknown", mutate: func(p *Pipeline) { p.Runtime.EventIDs = "uuid" }, wantPath: "runtime.event_ids", wantErr: true},
		{name: "node_id_range", mutate: func(p *Pipeline) {
			p.Runtime.EventIDs = EventIDsSnowflake
			p.Runtime.NodeID = 1024
		}, wantPath: "runtime.node_id", wantErr: true},
		{name: "skip_catalog_on_memory", mutate: func(p *Pipeline) { p.Runtime.SkipCatalog = true }, wantPath: "runtime.skip_catalog", wantErr: true},
		{name: "export_kind", mutate: func(p *Pipeline) { p.Export = &Export{Kind: "csv", Dir: "out"} }, wantPath: "export.kind", wantErr: true},
		{name: "export_dir", mutate: func(p *Pipeline) { p.Export = &Export{Kind: ExportParquet} }, wantPath: "export.dir", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPipeline()
			tt.mutate(&p)
			issues := ValidatePipeline(p)

			require.Equal(t, tt.wantErr, HasErrors(issues), "issues=%v", issues)
			if tt.wantPath == "" {
				require.Empty(t, issues)
				return
			}
			var paths []string
			for _, iss := range issues {
				paths = append(paths, iss.Path)
			}
			require.Contains(t, paths, tt.wantPath)
		})
	}
}
