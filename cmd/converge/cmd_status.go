package main

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"converge/internal/scope"
)

var statusFlags struct {
	repo   string
	base   string
	dbPath string
	runID  string
	all    bool
}

var statusCmd = &cobra.Command{
	Use:   "status <scope>",
	Short: "Show the state of a scope's runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusFlags.repo, "repo", ".", "Project root")
	f.StringVar(&statusFlags.base, "base", "", "State directory (default <repo>/.converge)")
	f.StringVar(&statusFlags.dbPath, "db", "", "Run index database path (default <state>/converge.db)")
	f.StringVar(&statusFlags.runID, "run-id", "", "Run to inspect (default: the scope's latest)")
	f.BoolVar(&statusFlags.all, "all", false, "List every indexed run for the scope")
}

func runStatus(cmd *cobra.Command, args []string) error {
	desc, err := scope.ParseDescriptor(args[0])
	if err != nil {
		return err
	}
	slug := desc.Slug()
	out := cmd.OutOrStdout()

	if statusFlags.all {
		index, err := openIndex(statusFlags.repo, statusFlags.base, statusFlags.dbPath, false)
		if err != nil {
			return err
		}
		defer index.Close()
		runs, err := index.ListRuns(slug)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintf(out, "No indexed runs for %s\n", slug)
			return nil
		}
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Run", "Status", "Signal", "Iters", "Residual", "Updated"})
		for _, r := range runs {
			table.Append([]string{
				r.RunID, r.Status, r.Signal,
				fmt.Sprintf("%d", r.Iterations),
				fmt.Sprintf("%d", r.Residual),
				r.UpdatedAt,
			})
		}
		table.Render()
		return nil
	}

	store := openStateStore(statusFlags.repo, statusFlags.base)
	runID := statusFlags.runID
	if runID == "" {
		latest, err := store.LatestRunID(slug)
		if err != nil {
			return err
		}
		runID = latest
	}
	st, err := store.LoadState(slug, runID)
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintf(out, "No run state for %s\n", slug)
		fmt.Fprintf(out, "Run 'converge run %s' to start one.\n", desc)
		return nil
	}

	fmt.Fprintf(out, "Scope:      %s\n", st.ScopeSlug)
	fmt.Fprintf(out, "Run:        %s\n", st.RunID)
	fmt.Fprintf(out, "Status:     %s\n", st.Status)
	fmt.Fprintf(out, "Phase:      %s\n", st.Phase)
	fmt.Fprintf(out, "Iteration:  %d of %d\n", st.CurrentIteration, st.MaxIterations)
	if st.Signal != "" {
		fmt.Fprintf(out, "Signal:     %s\n", st.Signal)
	}
	fmt.Fprintf(out, "Scope size: %d files (%d admitted during the run)\n",
		len(st.ScopeFiles), st.ScopeAdditionsTotal)
	if len(st.NewFindingHistory) > 0 {
		fmt.Fprintf(out, "New findings by iteration: %v\n", st.NewFindingHistory)
	}
	fmt.Fprintf(out, "Updated:    %s\n", st.UpdatedAt)
	return nil
}
