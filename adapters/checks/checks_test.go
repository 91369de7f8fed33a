package checks

import (
	"context"
	"strings"
	"testing"

	"converge/internal/capability"
)

func TestValidate_AllPass(t *testing.T) {
	v, err := NewValidator(t.TempDir(), []Command{
		{Name: "true", Argv: []string{"true"}},
		{Name: "noop", Argv: []string{"sh", "-c", "exit 0"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := v.Validate(context.Background(), capability.ValidateRequest{Iteration: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatalf("result = %+v", res)
	}
}

func TestValidate_FailureCapturesOutput(t *testing.T) {
	v, err := NewValidator(t.TempDir(), []Command{
		{Name: "tests", Argv: []string{"sh", "-c", "echo FAIL: TestLogin; exit 1"}},
		{Name: "never-runs", Argv: []string{"true"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := v.Validate(context.Background(), capability.ValidateRequest{Iteration: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("expected failure")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "FAIL: TestLogin") {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestNewValidator_Rejects(t *testing.T) {
	if _, err := NewValidator(".", nil); err == nil {
		t.Error("expected error for no commands")
	}
	if _, err := NewValidator(".", []Command{{Name: "bad"}}); err == nil {
		t.Error("expected error for empty argv")
	}
}

func TestTail(t *testing.T) {
	out := tail("a\nb\nc\nd\n", 2)
	if out != "c\nd" {
		t.Errorf("tail = %q", out)
	}
}
