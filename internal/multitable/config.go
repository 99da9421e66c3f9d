package multitable

// Options for one pipeline run, derived from config.Config so the engine and
// the stages below it do not depend on how configuration was loaded.

import (
	"salesetl/internal/config"
	"salesetl/internal/extract"
	"salesetl/internal/transform"
)

// Options controls the load stage.
type Options struct {
	// BatchSize bounds keys per lookup and rows per insert statement.
	BatchSize int

	// TruncateFacts empties sales_fact before loading so reruns reproduce
	// the same fact count.
	TruncateFacts bool

	// JobName labels metrics.
	JobName string
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.JobName == "" {
		o.JobName = "salesetl"
	}
	return o
}

func extractOptions(cfg *config.Config) extract.Options {
	return extract.Options{
		Encoding:   cfg.Input.Encoding,
		Delimiter:  cfg.Delimiter(),
		LazyQuotes: cfg.Input.LazyQuotes,
	}
}

func cleanOptions(cfg *config.Config) transform.Options {
	return transform.Options{
		PricePolicy: transform.PricePolicy(cfg.Clean.PricePolicy),
		DateLayouts: cfg.Clean.DateLayouts,
		DedupeRows:  cfg.Clean.DedupeRows,
	}
}

func loadOptions(cfg *config.Config) Options {
	return Options{
		BatchSize:     cfg.Load.BatchSize,
		TruncateFacts: cfg.Load.TruncateFacts,
		JobName:       cfg.JobName,
	}
}
