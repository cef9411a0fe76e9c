package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/domain"
	"github.com/invledger/postings/internal/ingestion"
	"github.com/invledger/postings/internal/period"
	"github.com/invledger/postings/internal/repository"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ReportID      string
	From          string
	To            string
	Source        string
	File          string
	Sheet         string
	Overwrite     bool
	Scope         string
	StrictAmounts bool
	Database      string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest one report period",
		Long: `Fetch the report for one period, normalize it and load it.

Without --from/--to the default weekly window is used.

Example:
  ingest run --report-id weekly --file ./report.xlsx --from 2024-01-02 --to 2024-01-09
  ingest run --source olap --overwrite=false --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			result, err := runIngest(ctx, flagOverrides(cmd, opts))
			if err != nil {
				return err
			}
			return out.Success(result, func(w io.Writer) { printRun(w, result) })
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ReportID, "report-id", "", "report identifier (REPORT_ID)")
	f.StringVar(&opts.From, "from", "", "period start, YYYY-MM-DD inclusive (DATE_FROM)")
	f.StringVar(&opts.To, "to", "", "period end, YYYY-MM-DD exclusive (DATE_TO)")
	f.StringVar(&opts.Source, "source", "", "xlsx or olap (SOURCE)")
	f.StringVar(&opts.File, "file", "", "workbook path for --source xlsx (XLSX_PATH)")
	f.StringVar(&opts.Sheet, "sheet", "", "worksheet name, first sheet when empty (XLSX_SHEET)")
	f.BoolVar(&opts.Overwrite, "overwrite", true, "replace the stored period (OVERWRITE_ENABLED)")
	f.StringVar(&opts.Scope, "scope", "", "overwrite scope, report or global (OVERWRITE_SCOPE)")
	f.BoolVar(&opts.StrictAmounts, "strict-amounts", false, "skip rows with unparseable amounts (STRICT_AMOUNTS)")
	f.StringVar(&opts.Database, "db", "", "SQLite database path (DB_PATH)")

	return cmd
}

// flagOverrides turns the flags the user actually set into config options.
func flagOverrides(cmd *cobra.Command, opts *RunOptions) []config.Option {
	changed := cmd.Flags().Changed
	var out []config.Option
	set := func(name string, fn config.Option) {
		if changed(name) {
			out = append(out, fn)
		}
	}
	set("report-id", func(c *config.Config) { c.ReportID = opts.ReportID })
	set("from", func(c *config.Config) { c.DateFrom = opts.From })
	set("to", func(c *config.Config) { c.DateTo = opts.To })
	set("source", func(c *config.Config) { c.Source = strings.ToLower(opts.Source) })
	set("file", func(c *config.Config) { c.XLSXPath = opts.File })
	set("sheet", func(c *config.Config) { c.Sheet = opts.Sheet })
	set("overwrite", func(c *config.Config) { c.OverwriteEnabled = opts.Overwrite })
	set("scope", func(c *config.Config) { c.OverwriteScope = domain.OverwriteScope(strings.ToLower(opts.Scope)) })
	set("strict-amounts", func(c *config.Config) { c.StrictAmounts = opts.StrictAmounts })
	set("db", func(c *config.Config) { c.Store.Driver = "sqlite"; c.Store.SQLitePath = opts.Database })
	if opts.LogLevel != "" {
		out = append(out, func(c *config.Config) { c.LogLevel = strings.ToLower(opts.LogLevel) })
	}
	return out
}

func runIngest(ctx context.Context, overrides []config.Option) (*domain.RunResult, error) {
	cfg, err := config.Load(overrides...)
	if err != nil {
		return nil, WrapExitError("load configuration", err)
	}
	// The period is checked here as well so that a bad one fails before
	// the store is touched.
	if _, err := period.NewResolver(&cfg).Resolve(cfg.DateFrom, cfg.DateTo); err != nil {
		return nil, WrapExitError("resolve period", err)
	}
	logger := cfg.Logger()

	source, err := ingestion.NewSource(&cfg, logger)
	if err != nil {
		return nil, WrapExitError("build source", err)
	}

	store, err := repository.Open(ctx, cfg.Store)
	if err != nil {
		return nil, &ExitError{Code: ExitStoreError, Message: "open store", Err: err}
	}
	defer store.Close()

	svc := ingestion.NewService(cfg, source, store, logger)
	result, err := svc.Run(ctx, ingestion.RunRequest{})
	if err != nil {
		return nil, WrapExitError("run", err)
	}
	return result, nil
}
