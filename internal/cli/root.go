// Package cli is the salesetl command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"salesetl/internal/config"
	"salesetl/internal/logging"
	"salesetl/internal/multitable"

	// every backend is linked in; STORE_KIND picks one at run time.
	_ "salesetl/internal/storage/all"
)

// flagValues holds flags that override configuration when set.
type flagValues struct {
	envFile        string
	logLevel       string
	logJSON        bool
	storeKind      string
	dsn            string
	pricePolicy    string
	truncateFacts  bool
	dedupeRows     bool
	encoding       string
	delimiter      string
	batchSize      int
	metricsBackend string
}

// app is the state shared by the commands of one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer
	flags  flagValues

	// newRunner is swapped in tests.
	newRunner func(cfg *config.Config) *multitable.Runner
}

// New builds the command tree writing reports to out and logs to errOut.
func New(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut, newRunner: multitable.NewDefaultRunner}
	return a.rootCommand()
}

// Execute runs the command line with os.Args.
func Execute(ctx context.Context) error {
	return New(os.Stdout, os.Stderr).ExecuteContext(ctx)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "salesetl <csv-file>",
		Short: "Load a retail sales export into a star schema",
		Long: `salesetl reads a sales CSV export, cleans and validates every row, and loads
the accepted rows into product_dim, retailer_dim, date_dim and sales_fact.

Rows that fail validation are skipped and reported; the run still succeeds.
Connection settings come from PGHOST, PGPORT, PGDATABASE, PGUSER and
PGPASSWORD (or STORE_KIND and STORE_DSN), optionally seeded from .env.

Exit Codes:
  0  - Success
  1  - Setup, configuration or load failure`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.runPipeline,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.envFile, "env-file", config.DefaultEnvFile, "dotenv file loaded before reading the environment")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	pf.BoolVar(&a.flags.logJSON, "log-json", false, "write logs as JSON instead of console text")
	pf.StringVar(&a.flags.storeKind, "store", "", "store backend: postgres, sqlite, mssql (env STORE_KIND)")
	pf.StringVar(&a.flags.dsn, "dsn", "", "store connection string, overrides PG* settings (env STORE_DSN)")
	pf.StringVar(&a.flags.pricePolicy, "price-policy", "", "missing or unparsable price: reject or zero (env PRICE_POLICY)")
	pf.BoolVar(&a.flags.truncateFacts, "truncate-facts", false, "empty sales_fact before loading (env TRUNCATE_FACTS)")
	pf.BoolVar(&a.flags.dedupeRows, "dedupe-rows", false, "skip rows identical to an earlier row (env DEDUPE_ROWS)")
	pf.StringVar(&a.flags.encoding, "encoding", "", "input character encoding, e.g. windows-1252 (env INPUT_ENCODING)")
	pf.StringVar(&a.flags.delimiter, "delimiter", "", "input field delimiter (env CSV_DELIMITER)")
	pf.IntVar(&a.flags.batchSize, "batch-size", 0, "rows per lookup and insert statement (env BATCH_SIZE)")
	pf.StringVar(&a.flags.metricsBackend, "metrics-backend", "", "metrics backend: none or datadog (env METRICS_BACKEND)")

	root.AddCommand(a.cleanCommand(), a.probeCommand(), a.sampleCommand(), a.versionCommand())
	return root
}

// setup loads configuration, applies flags that were set explicitly and
// initializes logging.
func (a *app) setup(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(a.flags.envFile, !cmd.Flags().Changed("env-file"))
	if err != nil {
		return nil, err
	}
	a.applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: !a.flags.logJSON,
		Out:    a.errOut,
	})
	return cfg, nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("log-level", func() { cfg.LogLevel = a.flags.logLevel })
	set("store", func() { cfg.Store.Kind = a.flags.storeKind })
	set("dsn", func() { cfg.Store.DSN = a.flags.dsn })
	set("price-policy", func() { cfg.Clean.PricePolicy = a.flags.pricePolicy })
	set("truncate-facts", func() { cfg.Load.TruncateFacts = a.flags.truncateFacts })
	set("dedupe-rows", func() { cfg.Clean.DedupeRows = a.flags.dedupeRows })
	set("encoding", func() { cfg.Input.Encoding = a.flags.encoding })
	set("delimiter", func() { cfg.Input.Delimiter = a.flags.delimiter })
	set("batch-size", func() { cfg.Load.BatchSize = a.flags.batchSize })
	set("metrics-backend", func() { cfg.Metrics.Backend = a.flags.metricsBackend })
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
