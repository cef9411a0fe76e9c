// Package config builds the immutable run configuration from .env, the
// process environment and command-line overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/invledger/postings/internal/domain"
)

// Config is constructed once per run by Load and passed by argument into
// every component. Nothing mutates it after Load returns.
type Config struct {
	ReportID string `validate:"required_unless=Source upload"`
	// DateFrom and DateTo are an optional explicit period, both or neither.
	DateFrom string
	DateTo   string

	// Source "upload" means every run brings its own workbook.
	Source   string `validate:"oneof=xlsx olap upload"`
	XLSXPath string `validate:"required_if=Source xlsx"`
	Sheet    string
	OLAP     OLAPConfig

	OverwriteEnabled bool
	OverwriteScope   domain.OverwriteScope `validate:"oneof=report global"`
	StrictAmounts    bool
	KeepZeroRows     bool

	RequiredFields   []string `validate:"min=1,dive,oneof=department product_code transaction_kind posting_time"`
	TransactionKinds []string `validate:"min=1,dive,required"`
	ProductTypes     []string `validate:"min=1,dive,required"`
	TotalsMarkers    []string `validate:"min=1,dive,required"`
	ProductCodeWidth int      `validate:"gte=1,lte=32"`

	// Timezone is the civil zone assumed for offsetless source timestamps
	// and for deciding what "today" is.
	Timezone      string         `validate:"required"`
	Location      *time.Location `validate:"-"`
	PeriodWeekday time.Weekday   `validate:"gte=0,lte=6"`
	PeriodDays    int            `validate:"gte=1,lte=366"`

	FetchTimeout time.Duration `validate:"gt=0"`
	StoreTimeout time.Duration `validate:"gt=0"`
	Store        StoreConfig

	MappingPath string
	Mapping     Mapping `validate:"-"`

	LogLevel  string `validate:"oneof=trace debug info warn warning error"`
	LogFormat string `validate:"oneof=json text"`
}

type OLAPConfig struct {
	BaseURL       string
	Token         string
	RetryAttempts int `validate:"gte=1,lte=10"`
	RatePerMinute int `validate:"gte=1"`
}

type StoreConfig struct {
	Driver      string `validate:"oneof=sqlite postgres"`
	SQLitePath  string
	PostgresDSN string

	// ConnectTimeout bounds connecting and schema setup. Load sets it to
	// StoreTimeout.
	ConnectTimeout time.Duration
}

// Strategy maps the overwrite switch onto a load strategy.
func (c *Config) Strategy() domain.LoadStrategy {
	if c.OverwriteEnabled {
		return domain.StrategyOverwrite
	}
	return domain.StrategyInsertOnly
}

// Option adjusts a Config between environment loading and validation.
// Command-line flags are applied this way.
type Option func(*Config)

var validate = validator.New()

// WithUploads is the Option for long-running processes: without a
// configured workbook, runs bring their own and name their own report.
func WithUploads(c *Config) {
	if c.Source == "xlsx" && c.XLSXPath == "" {
		c.Source = "upload"
	}
}

// Load reads .env (optional), the environment, applies opts and validates.
func Load(opts ...Option) (Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := fromEnv()
	for _, opt := range opts {
		opt(&cfg)
	}
	return finalize(cfg)
}

// Defaults returns the configuration used when the environment is empty.
func Defaults() Config {
	return Config{
		Source:           "xlsx",
		OverwriteEnabled: true,
		OverwriteScope:   domain.ScopeReport,
		TransactionKinds: kindStrings(domain.KnownKinds),
		ProductTypes:     []string{"GOODS", "DISH", "PREPARED"},
		TotalsMarkers:    []string{"итого", "всего", "total"},
		ProductCodeWidth: 5,
		Timezone:         "Europe/Moscow",
		PeriodWeekday:    time.Tuesday,
		PeriodDays:       7,
		FetchTimeout:     3 * time.Minute,
		StoreTimeout:     time.Minute,
		OLAP: OLAPConfig{
			RetryAttempts: 3,
			RatePerMinute: 10,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "postings.db",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func fromEnv() Config {
	cfg := Defaults()

	cfg.ReportID = getEnv("REPORT_ID", "")
	cfg.DateFrom = getEnv("DATE_FROM", "")
	cfg.DateTo = getEnv("DATE_TO", "")
	cfg.Source = getEnv("SOURCE", cfg.Source)
	cfg.XLSXPath = getEnv("XLSX_PATH", "")
	cfg.Sheet = getEnv("XLSX_SHEET", "")

	cfg.OverwriteEnabled = getEnvBool("OVERWRITE_ENABLED", cfg.OverwriteEnabled)
	cfg.OverwriteScope = domain.OverwriteScope(strings.ToLower(getEnv("OVERWRITE_SCOPE", string(cfg.OverwriteScope))))
	cfg.StrictAmounts = getEnvBool("STRICT_AMOUNTS", cfg.StrictAmounts)
	cfg.KeepZeroRows = getEnvBool("KEEP_ZERO_ROWS", cfg.KeepZeroRows)

	cfg.RequiredFields = getEnvList("REQUIRED_FIELDS", nil)
	cfg.TransactionKinds = getEnvList("TRANSACTION_KINDS", cfg.TransactionKinds)
	cfg.ProductTypes = getEnvList("PRODUCT_TYPES", cfg.ProductTypes)
	cfg.TotalsMarkers = getEnvList("TOTALS_MARKERS", cfg.TotalsMarkers)
	cfg.ProductCodeWidth = getEnvInt("PRODUCT_CODE_WIDTH", cfg.ProductCodeWidth)

	cfg.Timezone = getEnv("SOURCE_TIMEZONE", cfg.Timezone)
	if wd, ok := ParseWeekday(getEnv("PERIOD_WEEKDAY", "")); ok {
		cfg.PeriodWeekday = wd
	}
	cfg.PeriodDays = getEnvInt("PERIOD_DAYS", cfg.PeriodDays)

	cfg.FetchTimeout = time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", int(cfg.FetchTimeout/time.Second))) * time.Second
	cfg.StoreTimeout = time.Duration(getEnvInt("STORE_TIMEOUT_SECONDS", int(cfg.StoreTimeout/time.Second))) * time.Second

	cfg.OLAP.BaseURL = getEnv("OLAP_BASE_URL", "")
	cfg.OLAP.Token = getEnv("OLAP_TOKEN", "")
	cfg.OLAP.RetryAttempts = getEnvInt("OLAP_RETRY_ATTEMPTS", cfg.OLAP.RetryAttempts)
	cfg.OLAP.RatePerMinute = getEnvInt("OLAP_RATE_PER_MIN", cfg.OLAP.RatePerMinute)

	cfg.Store.Driver = getEnv("DB_DRIVER", cfg.Store.Driver)
	cfg.Store.SQLitePath = getEnv("DB_PATH", cfg.Store.SQLitePath)
	cfg.Store.PostgresDSN = getEnv("DATABASE_URL", neonDSN())

	cfg.MappingPath = getEnv("MAPPING_FILE", "")
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", cfg.LogFormat))
	return cfg
}

// neonDSN assembles a PostgreSQL DSN from the NEON_* variables. It returns
// "" unless all four are set.
func neonDSN() string {
	host := getEnv("NEON_HOST", "")
	db := getEnv("NEON_DB", "")
	user := getEnv("NEON_USER", "")
	password := getEnv("NEON_PASSWORD", "")
	if host == "" || db == "" || user == "" || password == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=require&channel_binding=require",
		user, password, host, db)
}

func finalize(cfg Config) (Config, error) {
	cfg.ReportID = strings.TrimSpace(cfg.ReportID)
	cfg.DateFrom = strings.TrimSpace(cfg.DateFrom)
	cfg.DateTo = strings.TrimSpace(cfg.DateTo)
	if (cfg.DateFrom == "") != (cfg.DateTo == "") {
		return Config{}, &domain.ConfigError{
			Param: "date_from/date_to",
			Err:   fmt.Errorf("%w: both bounds must be given together", domain.ErrFormat),
		}
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Config{}, &domain.ConfigError{Param: "timezone", Err: err}
	}
	cfg.Location = loc

	if cfg.MappingPath != "" {
		m, err := LoadMapping(cfg.MappingPath)
		if err != nil {
			return Config{}, &domain.ConfigError{Param: "mapping", Err: err}
		}
		cfg.Mapping = m
	} else if cfg.Source == "olap" {
		cfg.Mapping = DefaultOLAPMapping()
	} else {
		cfg.Mapping = DefaultSpreadsheetMapping()
	}
	if err := cfg.Mapping.Validate(); err != nil {
		return Config{}, &domain.ConfigError{Param: "mapping", Err: err}
	}

	if len(cfg.RequiredFields) == 0 {
		cfg.RequiredFields = []string{domain.FieldDepartment, domain.FieldProductCode, domain.FieldTransactionKind}
		if cfg.Mapping.TracksPostingTime() {
			cfg.RequiredFields = append(cfg.RequiredFields, domain.FieldPostingTime)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, &domain.ConfigError{Param: "config", Err: err}
	}
	if cfg.Source == "olap" && cfg.OLAP.BaseURL == "" {
		return Config{}, &domain.ConfigError{Param: "olap_base_url", Err: fmt.Errorf("required for source olap")}
	}
	cfg.Store.ConnectTimeout = cfg.StoreTimeout
	if cfg.Store.Driver == "postgres" && cfg.Store.PostgresDSN == "" {
		return Config{}, &domain.ConfigError{Param: "database_url", Err: fmt.Errorf("required for driver postgres (or set NEON_HOST, NEON_DB, NEON_USER, NEON_PASSWORD)")}
	}
	return cfg, nil
}

// ParseWeekday accepts English weekday names, case-insensitive, full or
// three-letter.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

func kindStrings(kinds []domain.TransactionKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return SplitList(valueStr)
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
