package main

import (
	"github.com/spf13/cobra"

	"converge/internal/report"
	"converge/internal/scope"
)

var reportFlags struct {
	repo    string
	base    string
	runID   string
	jsonOut bool
}

var reportCmd = &cobra.Command{
	Use:   "report <scope>",
	Short: "Print the iteration report for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	f := reportCmd.Flags()
	f.StringVar(&reportFlags.repo, "repo", ".", "Project root")
	f.StringVar(&reportFlags.base, "base", "", "State directory (default <repo>/.converge)")
	f.StringVar(&reportFlags.runID, "run-id", "", "Run to report on (default: the scope's latest)")
	f.BoolVar(&reportFlags.jsonOut, "json", false, "Emit the full document as JSON")
}

func runReport(cmd *cobra.Command, args []string) error {
	desc, err := scope.ParseDescriptor(args[0])
	if err != nil {
		return err
	}
	store := openStateStore(reportFlags.repo, reportFlags.base)

	runID := reportFlags.runID
	if runID == "" {
		latest, err := store.LatestRunID(desc.Slug())
		if err != nil {
			return err
		}
		runID = latest
	}

	doc, err := report.Build(store, desc.Slug(), runID)
	if err != nil {
		return err
	}
	if reportFlags.jsonOut {
		return doc.WriteJSON(cmd.OutOrStdout())
	}
	return doc.WriteSummary(cmd.OutOrStdout())
}
