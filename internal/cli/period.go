package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/period"
)

// NewPeriodCommand creates the period command, which prints the window a
// run without --from/--to would ingest.
func NewPeriodCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "period",
		Short: "Print the default ingestion period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.WithUploads)
			if err != nil {
				return WrapExitError("load configuration", err)
			}
			p := period.NewResolver(&cfg).Default()

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(p, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s, %d days ending %s)\n",
					p, cfg.Timezone, cfg.PeriodDays, cfg.PeriodWeekday)
			})
		},
	}
}
