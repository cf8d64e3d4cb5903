package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/velmie/memgate"
)

func newReportCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the outbox reliability report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "json" && output != "yaml" {
				return usageError{msg: fmt.Sprintf("unsupported output %q (json, yaml)", output)}
			}

			store, closeStore, err := openBackend(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := memgate.NewReporter(store, nil).Report(cmd.Context())
			if err != nil {
				return err
			}

			return writeReport(cmd.OutOrStdout(), report, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format (json, yaml)")

	return cmd
}

func writeReport(w io.Writer, report memgate.Report, output string) error {
	if output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}

		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(report)
}
