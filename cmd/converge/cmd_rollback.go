package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"converge/internal/gitops"
	"converge/internal/scope"
)

var rollbackFlags struct {
	repo  string
	base  string
	runID string
	last  int
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <scope>",
	Short: "Revert the commits a run produced",
	Long: `Reverts a run's iteration commits most-recent-first with git revert, so
history keeps both the fixes and their withdrawal. By default every commit
of the run is reverted; --last limits it to the newest N.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	f := rollbackCmd.Flags()
	f.StringVar(&rollbackFlags.repo, "repo", ".", "Project root (must be a git work tree)")
	f.StringVar(&rollbackFlags.base, "base", "", "State directory (default <repo>/.converge)")
	f.StringVar(&rollbackFlags.runID, "run-id", "", "Run to roll back (default: the scope's latest)")
	f.IntVar(&rollbackFlags.last, "last", 0, "Revert only the newest N iteration commits (0 = all)")
}

func runRollback(cmd *cobra.Command, args []string) error {
	desc, err := scope.ParseDescriptor(args[0])
	if err != nil {
		return err
	}
	if !hasGitDir(rollbackFlags.repo) {
		return fmt.Errorf("%s is not a git work tree", rollbackFlags.repo)
	}

	store := openStateStore(rollbackFlags.repo, rollbackFlags.base)
	runID := rollbackFlags.runID
	if runID == "" {
		latest, err := store.LatestRunID(desc.Slug())
		if err != nil {
			return err
		}
		runID = latest
	}

	mgr := gitops.NewRollbackManager(gitops.New(rollbackFlags.repo), store)
	reverted, err := mgr.Rollback(cmd.Context(), desc.Slug(), runID, rollbackFlags.last)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reverted %d commit(s) from %s/%s:\n", len(reverted), desc.Slug(), runID)
	for _, hash := range reverted {
		fmt.Fprintf(out, "  %s\n", hash)
	}
	return nil
}
