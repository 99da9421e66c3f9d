// Package config handles configuration for salesetl.
//
// Values come from the environment (optionally seeded from a .env file in the
// working directory) with CLI flags applied on top by the cli package.
// Store connection parameters use the libpq variable names (PGHOST, ...).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"salesetl/internal/transform"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Store kinds.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMSSQL    = "mssql"
)

// Price policies for missing or unparsable prices.
const (
	PriceReject = "reject"
	PriceZero   = "zero"
)

// Config holds all configuration for a pipeline run.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Input   InputConfig   `mapstructure:"input"`
	Clean   CleanConfig   `mapstructure:"clean"`
	Load    LoadConfig    `mapstructure:"load"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`

	// JobName tags logs and metrics.
	JobName string `mapstructure:"job_name"`
}

// StoreConfig holds the warehouse connection parameters.
type StoreConfig struct {
	// Kind selects the backend: postgres, sqlite or mssql.
	Kind     string `mapstructure:"kind"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path"`

	// DSN, when set, is used verbatim and overrides the fields above.
	DSN string `mapstructure:"dsn"`
}

// InputConfig controls how the source file is read.
type InputConfig struct {
	// Encoding is a WHATWG encoding label (utf-8, windows-1252, ...).
	Encoding   string `mapstructure:"encoding"`
	Delimiter  string `mapstructure:"delimiter"`
	LazyQuotes bool   `mapstructure:"lazy_quotes"`
}

// CleanConfig controls record validation.
type CleanConfig struct {
	// PricePolicy decides what happens to rows whose price is missing or
	// unparsable: "reject" drops them, "zero" loads them with price 0.
	PricePolicy string `mapstructure:"price_policy"`

	// DateLayouts are Go time layouts tried in order.
	DateLayouts []string `mapstructure:"date_layouts"`

	// DedupeRows drops exact duplicate cleaned rows.
	DedupeRows bool `mapstructure:"dedupe_rows"`
}

// LoadConfig controls the loading stage.
type LoadConfig struct {
	BatchSize     int  `mapstructure:"batch_size"`
	TruncateFacts bool `mapstructure:"truncate_facts"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Backend is "none" or "datadog".
	Backend string `mapstructure:"backend"`
	Tags    string `mapstructure:"tags"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Kind:       StorePostgres,
			Host:       "localhost",
			Port:       5432,
			Database:   "sales",
			User:       "postgres",
			SSLMode:    "disable",
			SQLitePath: "sales.db",
		},
		Input: InputConfig{
			Encoding:   "utf-8",
			Delimiter:  ",",
			LazyQuotes: true,
		},
		Clean: CleanConfig{
			PricePolicy: PriceReject,
			DateLayouts: append([]string(nil), transform.DefaultDateLayouts...),
		},
		Load: LoadConfig{
			BatchSize: 500,
		},
		Metrics: MetricsConfig{
			Backend: "none",
		},
		LogLevel: "info",
		JobName:  "salesetl",
	}
}

// envBindings maps config keys to environment variable names.
var envBindings = map[string]string{
	"store.kind":          "STORE_KIND",
	"store.host":          "PGHOST",
	"store.port":          "PGPORT",
	"store.database":      "PGDATABASE",
	"store.user":          "PGUSER",
	"store.password":      "PGPASSWORD",
	"store.sslmode":       "PGSSLMODE",
	"store.sqlite_path":   "SQLITE_PATH",
	"store.dsn":           "STORE_DSN",
	"input.encoding":      "INPUT_ENCODING",
	"input.delimiter":     "CSV_DELIMITER",
	"input.lazy_quotes":   "CSV_LAZY_QUOTES",
	"clean.price_policy":  "PRICE_POLICY",
	"clean.date_layouts":  "DATE_LAYOUTS",
	"clean.dedupe_rows":   "DEDUPE_ROWS",
	"load.batch_size":     "BATCH_SIZE",
	"load.truncate_facts": "TRUNCATE_FACTS",
	"metrics.backend":     "METRICS_BACKEND",
	"metrics.tags":        "METRICS_TAGS",
	"log_level":           "LOG_LEVEL",
	"job_name":            "JOB_NAME",
}

// DefaultEnvFile is the dotenv file read when none is named.
const DefaultEnvFile = ".env"

// Load reads configuration from the environment. A non-empty envFile is
// loaded first; variables already set in the environment win. When optional
// is set a missing envFile is skipped. A file that exists but does not parse
// is always an error.
func Load(envFile string, optional bool) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !optional || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
		}
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// DATE_LAYOUTS arrives comma separated.
	cfg.Clean.DateLayouts = splitList(strings.Join(cfg.Clean.DateLayouts, ","))

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.host", d.Store.Host)
	v.SetDefault("store.port", d.Store.Port)
	v.SetDefault("store.database", d.Store.Database)
	v.SetDefault("store.user", d.Store.User)
	v.SetDefault("store.password", d.Store.Password)
	v.SetDefault("store.sslmode", d.Store.SSLMode)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.dsn", "")
	v.SetDefault("input.encoding", d.Input.Encoding)
	v.SetDefault("input.delimiter", d.Input.Delimiter)
	v.SetDefault("input.lazy_quotes", d.Input.LazyQuotes)
	v.SetDefault("clean.price_policy", d.Clean.PricePolicy)
	v.SetDefault("clean.date_layouts", d.Clean.DateLayouts)
	v.SetDefault("clean.dedupe_rows", d.Clean.DedupeRows)
	v.SetDefault("load.batch_size", d.Load.BatchSize)
	v.SetDefault("load.truncate_facts", d.Load.TruncateFacts)
	v.SetDefault("metrics.backend", d.Metrics.Backend)
	v.SetDefault("metrics.tags", d.Metrics.Tags)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("job_name", d.JobName)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StorePostgres, StoreSQLite, StoreMSSQL:
	default:
		return fmt.Errorf("%w: unknown store kind %q (want postgres, sqlite or mssql)", ErrInvalid, c.Store.Kind)
	}

	if c.Store.DSN == "" {
		if c.Store.Kind == StoreSQLite {
			if c.Store.SQLitePath == "" {
				return fmt.Errorf("%w: SQLITE_PATH is required for the sqlite store", ErrInvalid)
			}
		} else {
			if c.Store.Host == "" {
				return fmt.Errorf("%w: PGHOST is required", ErrInvalid)
			}
			if c.Store.Port <= 0 || c.Store.Port > 65535 {
				return fmt.Errorf("%w: PGPORT must be between 1 and 65535, got %d", ErrInvalid, c.Store.Port)
			}
			if c.Store.Database == "" {
				return fmt.Errorf("%w: PGDATABASE is required", ErrInvalid)
			}
		}
	}

	switch c.Clean.PricePolicy {
	case PriceReject, PriceZero:
	default:
		return fmt.Errorf("%w: unknown price policy %q (want reject or zero)", ErrInvalid, c.Clean.PricePolicy)
	}

	if len(c.Clean.DateLayouts) == 0 {
		return fmt.Errorf("%w: at least one date layout is required", ErrInvalid)
	}

	if len([]rune(c.Input.Delimiter)) != 1 {
		return fmt.Errorf("%w: delimiter must be a single character, got %q", ErrInvalid, c.Input.Delimiter)
	}

	if c.Load.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalid, c.Load.BatchSize)
	}

	switch c.Metrics.Backend {
	case "", "none", "datadog":
	default:
		return fmt.Errorf("%w: unknown metrics backend %q", ErrInvalid, c.Metrics.Backend)
	}

	return nil
}

// Delimiter returns the configured field delimiter as a rune.
func (c *Config) Delimiter() rune {
	r := []rune(c.Input.Delimiter)
	if len(r) == 0 {
		return ','
	}
	return r[0]
}

// DSN returns the connection string for the configured backend.
func (c *Config) DSN() string {
	s := c.Store
	if s.DSN != "" {
		return s.DSN
	}

	switch s.Kind {
	case StoreSQLite:
		return s.SQLitePath

	case StoreMSSQL:
		u := url.URL{
			Scheme: "sqlserver",
			User:   userInfo(s.User, s.Password),
			Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		}
		q := url.Values{}
		q.Set("database", s.Database)
		u.RawQuery = q.Encode()
		return u.String()

	default:
		u := url.URL{
			Scheme: "postgres",
			User:   userInfo(s.User, s.Password),
			Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
			Path:   "/" + s.Database,
		}
		if s.SSLMode != "" {
			q := url.Values{}
			q.Set("sslmode", s.SSLMode)
			u.RawQuery = q.Encode()
		}
		return u.String()
	}
}

// Redacted returns DSN with any password masked, for logging.
func (c *Config) Redacted() string {
	dsn := c.DSN()
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

func userInfo(user, password string) *url.Userinfo {
	if user == "" {
		return nil
	}
	if password == "" {
		return url.User(user)
	}
	return url.UserPassword(user, password)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
