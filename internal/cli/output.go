package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/invledger/postings/internal/domain"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"exit_code,omitempty"`
}

// Success outputs data. text is used in text mode.
func (f *OutputFormatter) Success(data any, text func(io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Error outputs err with the exit code it maps to.
func (f *OutputFormatter) Error(err error) {
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  err.Error(),
			Code:   GetExitCode(err),
		})
		return
	}
	fmt.Fprintf(f.Writer, "Error: %v\n", err)
}

func printRun(w io.Writer, r *domain.RunResult) {
	fmt.Fprintf(w, "run %s\n", r.RunID)
	fmt.Fprintf(w, "  report:     %s\n", r.ReportID)
	fmt.Fprintf(w, "  period:     %s\n", r.Period)
	fmt.Fprintf(w, "  source:     %s\n", r.Source)
	fmt.Fprintf(w, "  strategy:   %s (%s)\n", r.Strategy, r.Scope)
	fmt.Fprintf(w, "  fetched:    %d\n", r.Fetched)
	fmt.Fprintf(w, "  normalized: %d\n", r.Normalized)

	reasons := make([]string, 0, len(r.Skipped))
	for reason := range r.Skipped {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "  skipped %s: %d\n", reason, r.Skipped[domain.SkipReason(reason)])
	}

	fmt.Fprintf(w, "  duplicates: %d\n", r.BatchDupes)
	fmt.Fprintf(w, "  deleted:    %d\n", r.Deleted)
	fmt.Fprintf(w, "  inserted:   ~%d\n", r.Inserted)
}
