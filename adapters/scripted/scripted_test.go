package scripted

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"converge/internal/capability"
	"converge/internal/finding"
)

const scenarioYAML = `
iterations:
  - findings:
      - file: internal/auth/login.go
        line: 12
        severity: high
        category: error-handling
        description: dropped error from ParseToken
        effort: small
    discovered:
      - file: internal/auth/session.go
        reason: imported by login.go
        dependency_of: internal/auth/login.go
    validate:
      failures_before_pass: 1
      errors: ["TestLogin failed"]
clean_room:
  - findings:
      - file: internal/auth/login.go
        line: 40
        severity: low
        category: docs
        description: missing doc comment
        effort: trivial
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(scenarioYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(sc.Iterations) != 1 {
		t.Fatalf("iterations = %d", len(sc.Iterations))
	}
	it := sc.Iterations[0]
	if len(it.Findings) != 1 || it.Findings[0].Category != "error-handling" {
		t.Errorf("findings = %+v", it.Findings)
	}
	if len(it.Discovered) != 1 || it.Discovered[0].DependencyOf != "internal/auth/login.go" {
		t.Errorf("discovered = %+v", it.Discovered)
	}
	if it.Validate.FailuresBeforePass != 1 {
		t.Errorf("failures_before_pass = %d", it.Validate.FailuresBeforePass)
	}
	if len(sc.CleanRoom) != 1 {
		t.Errorf("clean_room rounds = %d", len(sc.CleanRoom))
	}
}

func TestEvaluate_ChunkFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(scenarioYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSuite(sc)

	res, err := s.Evaluate(context.Background(), capability.EvaluateRequest{
		Iteration: 1, Chunk: 1, Chunks: 2, Files: []string{"internal/api/server.go"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Findings) != 0 {
		t.Errorf("chunk without the finding's file got %d findings", len(res.Findings))
	}

	res, err = s.Evaluate(context.Background(), capability.EvaluateRequest{
		Iteration: 1, Chunk: 0, Chunks: 2, Files: []string{"internal/auth/login.go"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Findings) != 1 {
		t.Errorf("chunk with the finding's file got %d findings", len(res.Findings))
	}
	if len(res.Discovered) != 1 {
		t.Errorf("discovered = %d", len(res.Discovered))
	}
}

func TestValidate_FailuresBeforePass(t *testing.T) {
	sc := &Scenario{
		Iterations: []Iteration{
			{Validate: ValidateScript{FailuresBeforePass: 2, Errors: []string{"boom"}}},
		},
	}
	s := NewSuite(sc)
	req := capability.ValidateRequest{Iteration: 1}

	for i := 0; i < 2; i++ {
		res, err := s.Validate(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Passed {
			t.Fatalf("attempt %d passed, want failure", i+1)
		}
	}
	res, err := s.Validate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatal("third attempt should pass")
	}
}

func TestEvaluate_CleanRoomConsumesRounds(t *testing.T) {
	sc := &Scenario{
		CleanRoom: []Round{
			{Findings: []finding.Finding{{
				File: "internal/auth/login.go", Line: 3,
				Severity: finding.SeverityLow, Category: "docs",
				Description: "missing doc comment", Effort: finding.EffortTrivial,
			}}},
		},
	}
	s := NewSuite(sc)
	req := capability.EvaluateRequest{Iteration: 1, CleanRoom: true}

	res, err := s.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("round 1 findings = %d", len(res.Findings))
	}
	res, err = s.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Findings) != 0 {
		t.Errorf("rounds past the script should find nothing, got %d", len(res.Findings))
	}
}
