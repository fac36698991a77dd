package multitable

import (
	"context"
	"fmt"
	"os"
	"strings"

	"sparkify/internal/export"
	"sparkify/internal/schema"
	"sparkify/internal/source"
	"sparkify/internal/storage"
)

const defaultJob = "sparkify"

// Runner wires a Pipeline config to storage, sources and export. The function
// fields are seams for tests.
type Runner struct {
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewSource     func(spec SourceSpec) (source.Source, error)
	Export        func(ctx context.Context, snap storage.Snapshotter, specs []storage.TableSpec, dir string) (export.Summary, error)

	Logger Logger
	// RunID overrides the generated run id.
	RunID string
}

// NewDefaultRunner returns a Runner that logs to logger.
func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		NewRepository: storage.New,
		NewSource:     newSource,
		Export:        export.Parquet,
		Logger:        logger,
	}
}

func newSource(spec SourceSpec) (source.Source, error) {
	if spec.Kind != SourceJSONLDir {
		return nil, fmt.Errorf("source: unsupported kind %q", spec.Kind)
	}
	return source.NewDir(spec.Path), nil
}

// Run validates cfg, opens the sink and runs the engine. Export runs only
// after a successful load.
func (r *Runner) Run(ctx context.Context, cfg Pipeline) (*Report, error) {
	if issues := ValidatePipeline(cfg); HasErrors(issues) {
		var msgs []string
		for _, iss := range issues {
			if iss.Severity == SeverityError {
				msgs = append(msgs, iss.Path+": "+iss.Message)
			}
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	repo, err := r.NewRepository(ctx, storage.Config{
		Kind: cfg.Storage.Kind,
		DSN:  os.ExpandEnv(cfg.Storage.DSN),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer repo.Close()

	var catalogSrc source.Source
	if !cfg.Runtime.SkipCatalog {
		if catalogSrc, err = r.NewSource(cfg.Sources.Catalog); err != nil {
			return nil, err
		}
	}
	activitySrc, err := r.NewSource(cfg.Sources.Activity)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		Repo:     repo,
		Logger:   r.Logger,
		Catalog:  catalogSrc,
		Activity: activitySrc,
		Tables: NewTables(schema.Options{
			AutoCreate:  cfg.Storage.AutoCreateTables,
			DedupeFacts: cfg.Runtime.DedupeFacts,
		}),
		Runtime: cfg.Runtime,
		RunID:   r.RunID,
		Job:     cfg.Job,
	}

	report, err := engine.Run(ctx)
	if err != nil {
		return report, err
	}

	if cfg.Export != nil && r.Export != nil {
		snap, ok := repo.(storage.Snapshotter)
		if !ok {
			return report, &RunError{Report: report, Err: fmt.Errorf("export: storage %q cannot read tables back", cfg.Storage.Kind)}
		}
		sum, err := r.Export(ctx, snap, engine.Tables.All(), cfg.Export.Dir)
		if err != nil {
			return report, &RunError{Report: report, Err: err}
		}
		engine.logf("stage=export ok files=%d dir=%s", len(sum.Files), cfg.Export.Dir)
	}
	return report, nil
}
