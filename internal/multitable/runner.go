package multitable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"salesetl/internal/config"
	"salesetl/internal/extract"
	"salesetl/internal/logging"
	"salesetl/internal/metrics"
	"salesetl/internal/storage"
	"salesetl/internal/transform"
)

// Runner sequences extract, clean and load for one input file and owns the
// store connection for the load stage.
type Runner struct {
	Config *config.Config

	// NewRepository is the storage factory seam. Tests swap it for a fake.
	NewRepository func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error)

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// NewDefaultRunner returns a Runner that opens stores through the backend
// registry. Backends must be linked in by the caller (see storage/all).
func NewDefaultRunner(cfg *config.Config) *Runner {
	return &Runner{
		Config:        cfg,
		NewRepository: storage.NewMulti,
	}
}

// Report describes a finished run.
type Report struct {
	RunID     string
	Summary   transform.Summary
	Conflicts int
	Stats     Stats

	// RowCounts holds the row count of each table after loading.
	RowCounts map[string]int64
}

// Prepared is the output of the extract and clean stages.
type Prepared struct {
	RunID  string
	Header []string
	Batch  *transform.Batch
}

// Prepare extracts and cleans path without touching the store.
func (r *Runner) Prepare(ctx context.Context, path string) (*Prepared, error) {
	if r.Config == nil {
		return nil, fmt.Errorf("runner: Config is required")
	}
	return r.prepare(ctx, uuid.NewString(), path)
}

func (r *Runner) prepare(ctx context.Context, runID, path string) (*Prepared, error) {
	cfg := r.Config
	log := r.runLogger(runID)

	start := time.Now()
	res, err := extract.Read(ctx, path, extractOptions(cfg))
	metrics.RecordStep(cfg.JobName, "extract", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("stage", "extract").
		Str("file", path).
		Int("rows", len(res.Rows)).
		Int("malformed", len(res.Malformed)).
		Dur("duration", durMS(start)).
		Msg("ok")
	metrics.RecordRecords(cfg.JobName, metrics.KindRead, len(res.Rows)+len(res.Malformed))

	start = time.Now()
	copt := cleanOptions(cfg)
	copt.Logger = &log
	batch := transform.NewCleaner(copt).Clean(res.Rows, res.Malformed...)
	metrics.RecordStep(cfg.JobName, "clean", nil, time.Since(start))

	sum := batch.Summary()
	ev := log.Info().
		Str("stage", "clean").
		Int("total", sum.Total).
		Int("accepted", sum.Accepted).
		Int("rejected", sum.Rejected).
		Int("conflicts", batch.Conflicts).
		Dur("duration", durMS(start))
	for reason, n := range sum.ByReason {
		ev = ev.Int("rejected_"+string(reason), n)
		metrics.RecordRejection(cfg.JobName, string(reason), n)
	}
	ev.Msg("ok")
	metrics.RecordRecords(cfg.JobName, metrics.KindClean, sum.Accepted)
	metrics.RecordRecords(cfg.JobName, metrics.KindRejected, sum.Rejected)

	return &Prepared{RunID: runID, Header: res.Header, Batch: batch}, nil
}

// Run executes the whole pipeline. The store is opened only after the input
// has been read and cleaned, and is closed on every return path.
func (r *Runner) Run(ctx context.Context, path string) (*Report, error) {
	if r.Config == nil {
		return nil, fmt.Errorf("runner: Config is required")
	}
	if r.NewRepository == nil {
		return nil, fmt.Errorf("runner: NewRepository is required")
	}
	cfg := r.Config
	runID := uuid.NewString()
	log := r.runLogger(runID)

	runStart := time.Now()
	prep, err := r.prepare(ctx, runID, path)
	if err != nil {
		metrics.RecordStep(cfg.JobName, "run", err, time.Since(runStart))
		return nil, err
	}

	rep := &Report{
		RunID:     runID,
		Summary:   prep.Batch.Summary(),
		Conflicts: prep.Batch.Conflicts,
	}

	err = r.load(ctx, log, prep.Batch, rep)
	metrics.RecordStep(cfg.JobName, "run", err, time.Since(runStart))
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("stage", "done").
		Int("accepted", rep.Summary.Accepted).
		Int("rejected", rep.Summary.Rejected).
		Int("facts", rep.Stats.Facts).
		Dur("duration", durMS(runStart)).
		Msg("run complete")
	return rep, nil
}

func (r *Runner) load(ctx context.Context, log zerolog.Logger, b *transform.Batch, rep *Report) error {
	cfg := r.Config

	repo, err := r.NewRepository(ctx, storage.MultiConfig{Kind: cfg.Store.Kind, DSN: cfg.DSN()})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Kind, err)
	}
	defer repo.Close()
	log.Info().Str("stage", "connect").Str("store", cfg.Store.Kind).Msg("ok")

	engine := &Engine{Repo: repo, Options: loadOptions(cfg), Logger: &log}

	start := time.Now()
	rep.Stats, err = engine.Load(ctx, b)
	metrics.RecordStep(cfg.JobName, "load", err, time.Since(start))
	if err != nil {
		return err
	}

	names := tableNames(engine.tables())
	rep.RowCounts = make(map[string]int64, len(names))
	for _, name := range names {
		n, err := repo.CountRows(ctx, name)
		if err != nil {
			return fmt.Errorf("count %s: %w", name, err)
		}
		rep.RowCounts[name] = n
		log.Info().Str("table", name).Int64("rows", n).Msg("table row count")
	}

	if n := rep.RowCounts[TableSales]; !rep.Stats.Truncated && n > int64(rep.Stats.Facts) {
		log.Warn().
			Int64("rows", n).
			Int("loaded", rep.Stats.Facts).
			Msg("sales_fact also holds earlier loads; facts are appended on every run unless truncated")
	}
	return nil
}

func (r *Runner) runLogger(runID string) zerolog.Logger {
	base := logging.Logger
	if r.Logger != nil {
		base = *r.Logger
	}
	return base.With().Str("run_id", runID).Str("job", r.Config.JobName).Logger()
}
