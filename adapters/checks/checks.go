// Package checks implements the Validator capability over the project's own
// check commands (test suites, linters). Each configured command runs in the
// repository root; any non-zero exit fails validation with the command's
// output as the error.
package checks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"converge/internal/capability"
	"converge/internal/logging"
)

// Command is one configured check.
type Command struct {
	Name string   `yaml:"name" json:"name"`
	Argv []string `yaml:"argv" json:"argv"`
}

// Validator runs the configured commands in order and stops at the first
// failure.
type Validator struct {
	dir      string
	commands []Command
}

// NewValidator builds a validator that runs commands in dir.
func NewValidator(dir string, commands []Command) (*Validator, error) {
	if len(commands) == 0 {
		return nil, fmt.Errorf("checks: at least one command is required")
	}
	for _, c := range commands {
		if len(c.Argv) == 0 {
			return nil, fmt.Errorf("checks: command %q has an empty argv", c.Name)
		}
	}
	return &Validator{dir: dir, commands: commands}, nil
}

// Validate runs every check command, collecting failures into the result.
func (v *Validator) Validate(ctx context.Context, req capability.ValidateRequest) (*capability.ValidateResult, error) {
	log := logging.New("checks")
	res := &capability.ValidateResult{Passed: true}
	for _, c := range v.commands {
		out, err := v.runCommand(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Passed = false
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v\n%s", c.Name, err, tail(out, 50)))
			log.Warn("check failed", "check", c.Name, "iteration", req.Iteration, "error", err)
			break
		}
		log.Debug("check passed", "check", c.Name, "iteration", req.Iteration)
	}
	return res, nil
}

func (v *Validator) runCommand(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = v.dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// tail keeps the last n lines of command output, where the failure usually
// is.
func tail(out string, n int) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

var _ capability.Validator = (*Validator)(nil)
