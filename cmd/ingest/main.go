package main

import (
	"os"

	"github.com/invledger/postings/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		format, _ := root.PersistentFlags().GetString("format")
		out := &cli.OutputFormatter{Format: format, Writer: os.Stderr}
		if format == "json" {
			out.Writer = os.Stdout
		}
		out.Error(err)
		os.Exit(cli.GetExitCode(err))
	}
}
