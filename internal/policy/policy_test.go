package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	p := Default()
	if p.ConvergenceThreshold != 2 {
		t.Errorf("convergence_threshold default = %d, want 2", p.ConvergenceThreshold)
	}
	if p.DeferredDropAfter != 2 {
		t.Errorf("deferred_drop_after default = %d, want 2", p.DeferredDropAfter)
	}
	if p.PerIterationCap != 10 || p.TotalCap != 30 {
		t.Errorf("scope caps default = %d/%d, want 10/30", p.PerIterationCap, p.TotalCap)
	}
	if p.MinIterations != 0 {
		t.Errorf("min_iterations default = %d, want 0", p.MinIterations)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("default policy must validate: %v", err)
	}
}

func TestLoadFromPath_OverlayYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := "max_iterations: 8\nmin_iterations: 2\ncapability_timeout: 30s\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxIterations != 8 {
		t.Errorf("max_iterations = %d, want 8", p.MaxIterations)
	}
	if p.MinIterations != 2 {
		t.Errorf("min_iterations = %d, want 2", p.MinIterations)
	}
	if p.CapabilityTimeout.Std() != 30*time.Second {
		t.Errorf("capability_timeout = %s, want 30s", p.CapabilityTimeout)
	}
	// Untouched knobs keep defaults.
	if p.ConvergenceThreshold != 2 {
		t.Errorf("convergence_threshold = %d, want default 2", p.ConvergenceThreshold)
	}
}

func TestLoadFromPath_MissingFileUsesDefaults(t *testing.T) {
	p, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxIterations != Default().MaxIterations {
		t.Error("missing policy file should fall back to defaults")
	}
}

func TestValidate_Contradictions(t *testing.T) {
	p := Default()
	p.MinIterations = 10
	p.MaxIterations = 3
	if err := p.Validate(); err == nil {
		t.Error("min > max must fail validation")
	}

	p = Default()
	p.PerIterationCap = 50
	if err := p.Validate(); err == nil {
		t.Error("per-iteration cap above total cap must fail validation")
	}
}

func TestCompileRules_EvalBool(t *testing.T) {
	p := Default()
	p.Rules = []SignalRule{
		{ID: "R1", Name: "stall", When: "stats.new_findings == 0 && stats.iteration >= 2"},
	}
	rules, err := p.CompileRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 compiled rule, got %d", len(rules))
	}

	env := map[string]any{
		"stats":  map[string]any{"new_findings": 0, "iteration": 3},
		"config": map[string]any{},
	}
	ok, err := rules[0].Eval(env)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("rule should fire for this env")
	}

	env["stats"] = map[string]any{"new_findings": 4, "iteration": 3}
	ok, err = rules[0].Eval(env)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("rule should not fire for this env")
	}
}

func TestCompileRules_BadExpression(t *testing.T) {
	p := Default()
	p.Rules = []SignalRule{{ID: "R1", When: "this is not (valid"}}
	if _, err := p.CompileRules(); err == nil {
		t.Error("bad expression must fail at compile time")
	}
}
