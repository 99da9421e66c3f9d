package cli

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"salesetl/internal/config"
	"salesetl/internal/logging"
	"salesetl/internal/metrics"
	"salesetl/internal/metrics/datadog"
	"salesetl/internal/transform"
)

func (a *app) runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := a.setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	closeMetrics, err := setupMetrics(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMetrics()

	logging.Info().
		Str("file", args[0]).
		Str("store", cfg.Store.Kind).
		Str("dsn", cfg.Redacted()).
		Msg("starting run")

	rep, err := a.newRunner(cfg).Run(ctx, args[0])
	if err != nil {
		return err
	}

	a.printf("run %s\n", rep.RunID)
	a.printSummary(rep.Summary, rep.Conflicts)
	a.printf("loaded: products %d new/%d reused, retailers %d new/%d reused, dates %d new/%d reused, facts %d\n",
		rep.Stats.Products.Inserted, rep.Stats.Products.Reused,
		rep.Stats.Retailers.Inserted, rep.Stats.Retailers.Reused,
		rep.Stats.Dates.Inserted, rep.Stats.Dates.Reused,
		rep.Stats.Facts)
	if rep.Stats.Truncated {
		a.printf("sales_fact was truncated before loading\n")
	}
	for _, name := range slices.Sorted(maps.Keys(rep.RowCounts)) {
		a.printf("  %-13s %d rows\n", name, rep.RowCounts[name])
	}
	return nil
}

func (a *app) printSummary(sum transform.Summary, conflicts int) {
	a.printf("rows: %d total, %d accepted, %d rejected\n", sum.Total, sum.Accepted, sum.Rejected)
	for _, r := range slices.Sorted(maps.Keys(sum.ByReason)) {
		a.printf("  %-22s %d\n", r, sum.ByReason[r])
	}
	if conflicts > 0 {
		a.printf("attribute conflicts (first occurrence kept): %d\n", conflicts)
	}
}

// setupMetrics installs the configured backend. The returned func flushes
// and detaches it and must be called on every exit path.
func setupMetrics(ctx context.Context, cfg *config.Config) (func(), error) {
	switch cfg.Metrics.Backend {
	case "datadog":
		b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
			JobName:    cfg.JobName,
			Tags:       datadog.ParseTagsCSV(cfg.Metrics.Tags),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		logging.Info().Str("backend", "datadog").Str("job", cfg.JobName).Msg("metrics enabled")
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logging.Warn().Err(err).Msg("metrics: datadog close/flush error")
			}
			metrics.SetBackend(nil)
		}, nil

	default:
		logging.Debug().Str("backend", cfg.Metrics.Backend).Msg("metrics disabled")
		return func() {}, nil
	}
}
