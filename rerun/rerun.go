// Package rerun implements the protocol between the analyzer and the
// external runner that re-executes dirty tests.
package rerun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/difftest/difftest/model"
)

// DefaultRunner is invoked when no --runner is given; it is expected
// on PATH.
const DefaultRunner = "difftest-default-rerunner"

const (
	// VersionEnv carries the engine version so runners can reject
	// mismatched invocations.
	VersionEnv = "DIFFTEST_VER"
	// ExtraArgsEnv holds comma-separated arguments appended to the
	// runner invocation.
	ExtraArgsEnv = "DIFFTEST_RUNNER_EXTRA_ARGS"
)

// Invocation is the payload handed to the runner: the descriptors of
// every test to re-execute. Extra blobs pass through untouched; the
// runner owns that contract.
type Invocation struct {
	Tests []model.TestDesc `json:"tests"`
}

// IsEmpty reports whether there is nothing to rerun.
func (inv Invocation) IsEmpty() bool { return len(inv.Tests) == 0 }

// RunnerError reports a non-zero runner exit; the code is propagated
// to the caller.
type RunnerError struct {
	Runner   string
	ExitCode int
	Err      error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner %s failed with exit code %d", e.Runner, e.ExitCode)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// SplitExtraArgs parses the comma-separated ExtraArgsEnv value.
func SplitExtraArgs(v string) []string {
	if v == "" {
		return nil
	}
	var args []string
	for _, a := range strings.Split(v, ",") {
		if a != "" {
			args = append(args, a)
		}
	}
	return args
}

// Invoke writes the invocation to a temporary file and spawns the
// runner once with that path as its argument, streaming its output
// through. The runner's exit status is the outcome.
func Invoke(ctx context.Context, logger zerolog.Logger, runner, version string, inv Invocation) error {
	if inv.IsEmpty() {
		logger.Info().Msg("No dirty tests; runner not invoked")
		return nil
	}
	if runner == "" {
		runner = DefaultRunner
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to encode runner invocation: %w", err)
	}

	f, err := os.CreateTemp("", "difftest-rerun-*.json")
	if err != nil {
		return fmt.Errorf("failed to create invocation file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("failed to write invocation file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	args := []string{f.Name()}
	args = append(args, SplitExtraArgs(os.Getenv(ExtraArgsEnv))...)

	logger.Info().
		Int("tests", len(inv.Tests)).
		Str("command", shellescape.QuoteCommand(append([]string{runner}, args...))).
		Msg("Invoking test runner")

	cmd := exec.CommandContext(ctx, runner, args...)
	cmd.Env = append(os.Environ(), VersionEnv+"="+version)

	// Capture while streaming so failures can be reported with
	// context.
	var stderrBuf bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderrBuf)

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			logger.Error().
				Int("exit_code", exitErr.ExitCode()).
				Msg("Runner completed with failures")
			return &RunnerError{Runner: runner, ExitCode: exitErr.ExitCode(), Err: err}
		}
		return fmt.Errorf("failed to execute runner %s: %w", runner, err)
	}

	logger.Info().Msg("Runner completed successfully")
	return nil
}

// ReadInvocation loads an invocation file; runner implementations use
// it to decode the payload.
func ReadInvocation(path string) (Invocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Invocation{}, err
	}
	var inv Invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return Invocation{}, fmt.Errorf("malformed runner invocation %s: %w", path, err)
	}
	return inv, nil
}
