package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"converge/adapters/agent"
	"converge/adapters/checks"
	"converge/adapters/scripted"
	"converge/internal/capability"
	"converge/internal/gitops"
	"converge/internal/policy"
	"converge/internal/report"
	"converge/internal/run"
	"converge/internal/scope"
	"converge/internal/state"
)

var runFlags struct {
	repo          string
	base          string
	policyPath    string
	scopeMapPath  string
	maxIterations int
	resume        bool
	runID         string
	capability    string
	scenarioPath  string
	agentDir      string
	checksPath    string
	noGit         bool
	noIndex       bool
	dbPath        string
	jsonOut       bool
}

var runCmd = &cobra.Command{
	Use:   "run <scope>",
	Short: "Run a convergence loop over a scope",
	Long: `Resolves the scope descriptor to a file set and iterates evaluate, fix,
validate and commit until a convergence signal fires or the iteration
budget runs out. Scope descriptors take the form "feature:<name>",
"cross:<category>", or freeform text matched against the scope map.

The process exit code reports the outcome: 0 converged clean, 2 converged
with residual findings, 3 iteration budget exhausted, 4 failed, 5 stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.repo, "repo", ".", "Project root the scope resolves against")
	f.StringVar(&runFlags.base, "base", "", "State directory (default <repo>/.converge)")
	f.StringVar(&runFlags.policyPath, "policy", "", "Policy file overriding the stock knobs")
	f.StringVar(&runFlags.scopeMapPath, "scope-map", "", "Scope map file (default <state>/scope-map.yaml)")
	f.IntVar(&runFlags.maxIterations, "max-iterations", 0, "Iteration budget override")
	f.BoolVar(&runFlags.resume, "resume", false, "Resume a persisted run instead of starting fresh")
	f.StringVar(&runFlags.runID, "run-id", "", "Run to resume (default: the scope's latest)")
	f.StringVar(&runFlags.capability, "capability", "agent", "Capability backend (agent, scripted)")
	f.StringVar(&runFlags.scenarioPath, "scenario", "", "Scripted scenario file (implies --capability scripted)")
	f.StringVar(&runFlags.agentDir, "agent-dir", "", "Signal exchange directory for the agent backend (default <state>/agent)")
	f.StringVar(&runFlags.checksPath, "checks", "", "Command list file; replaces the backend's validator with exec'd project checks")
	f.BoolVar(&runFlags.noGit, "no-git", false, "Disable commits and reverts even inside a git work tree")
	f.BoolVar(&runFlags.noIndex, "no-index", false, "Skip the cross-run index")
	f.StringVar(&runFlags.dbPath, "db", "", "Run index database path (default <state>/converge.db)")
	f.BoolVar(&runFlags.jsonOut, "json", false, "Print the outcome as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	pol := policy.Default()
	if runFlags.policyPath != "" {
		loaded, err := policy.LoadFromPath(runFlags.policyPath)
		if err != nil {
			return err
		}
		pol = loaded
	}
	if runFlags.maxIterations > 0 {
		pol.MaxIterations = runFlags.maxIterations
	}

	desc, err := scope.ParseDescriptor(args[0])
	if err != nil {
		return err
	}

	suite, err := buildSuite()
	if err != nil {
		return err
	}

	store := openStateStore(runFlags.repo, runFlags.base)

	var git *gitops.Git
	if !runFlags.noGit && hasGitDir(runFlags.repo) {
		git = gitops.New(runFlags.repo)
	}

	// First interrupt requests a cooperative stop at the next phase
	// boundary; the second cancels outright.
	var stopRequested atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := signalContext(cmd, sigCh, &stopRequested)
	defer cancel()

	ctrl, err := run.New(run.Options{
		Store:  store,
		Suite:  suite,
		Git:    git,
		Policy: pol,
		Stop:   stopRequested.Load,
	})
	if err != nil {
		return err
	}

	var out *run.Outcome
	if runFlags.resume {
		out, err = ctrl.ResumeOrRecover(ctx, desc.Slug(), runFlags.runID, func() (*scope.Bundle, error) {
			return resolveScope(desc)
		})
	} else {
		var bundle *scope.Bundle
		bundle, err = resolveScope(desc)
		if err != nil {
			return err
		}
		out, err = ctrl.Start(ctx, bundle)
	}
	if err != nil {
		return err
	}

	index, idxErr := openIndex(runFlags.repo, runFlags.base, runFlags.dbPath, runFlags.noIndex)
	if idxErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", idxErr)
	} else if index != nil {
		defer index.Close()
		syncIndex(index, store, out.ScopeSlug, out.RunID)
	}

	if err := printOutcome(cmd, store, out); err != nil {
		return err
	}
	exitCode = out.ExitCode()
	return nil
}

// buildSuite composes the capability backend, optionally swapping in the
// exec'd checks validator.
func buildSuite() (capability.Suite, error) {
	var base capability.Suite
	backend := runFlags.capability
	if runFlags.scenarioPath != "" {
		backend = "scripted"
	}

	switch backend {
	case "scripted":
		if runFlags.scenarioPath == "" {
			return nil, fmt.Errorf("--scenario is required with the scripted backend")
		}
		sc, err := scripted.Load(runFlags.scenarioPath)
		if err != nil {
			return nil, err
		}
		base = scripted.NewSuite(sc)
	case "agent":
		dir := runFlags.agentDir
		if dir == "" {
			dir = filepath.Join(stateDir(runFlags.repo, runFlags.base), "agent")
		}
		suite, err := agent.NewSuite(agent.Config{Dir: dir})
		if err != nil {
			return nil, err
		}
		base = suite
	default:
		return nil, fmt.Errorf("unknown capability backend %q (agent, scripted)", backend)
	}

	if runFlags.checksPath == "" {
		return base, nil
	}
	commands, err := loadChecks(runFlags.checksPath)
	if err != nil {
		return nil, err
	}
	validator, err := checks.NewValidator(runFlags.repo, commands)
	if err != nil {
		return nil, err
	}
	return struct {
		capability.Evaluator
		capability.Fixer
		capability.Validator
	}{base, base, validator}, nil
}

func loadChecks(path string) ([]checks.Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checks file: %w", err)
	}
	var commands []checks.Command
	if err := yaml.Unmarshal(data, &commands); err != nil {
		return nil, fmt.Errorf("parse checks file: %w", err)
	}
	return commands, nil
}

// signalContext derives a context that survives the first interrupt (which
// flips the cooperative stop flag) and cancels on the second.
func signalContext(cmd *cobra.Command, sigCh <-chan os.Signal, stopRequested *atomic.Bool) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			stopRequested.Store(true)
			fmt.Fprintln(cmd.ErrOrStderr(), "stop requested, finishing the current phase (interrupt again to abort)")
		}
		select {
		case <-ctx.Done():
		case <-sigCh:
			cancel()
		}
	}()
	return ctx, cancel
}

func printOutcome(cmd *cobra.Command, store *state.Store, out *run.Outcome) error {
	doc, err := report.Build(store, out.ScopeSlug, out.RunID)
	if err != nil {
		return err
	}
	if runFlags.jsonOut {
		return doc.WriteJSON(cmd.OutOrStdout())
	}
	return doc.WriteSummary(cmd.OutOrStdout())
}

func resolveScope(desc scope.Descriptor) (*scope.Bundle, error) {
	var scopeMap *scope.Map
	mapPath := runFlags.scopeMapPath
	if mapPath == "" {
		mapPath = filepath.Join(stateDir(runFlags.repo, runFlags.base), "scope-map.yaml")
	}
	if m, err := scope.LoadMapFromPath(mapPath); err == nil {
		scopeMap = m
	} else if runFlags.scopeMapPath != "" {
		return nil, err
	}
	return scope.NewResolver(runFlags.repo, scopeMap).Resolve(desc)
}
