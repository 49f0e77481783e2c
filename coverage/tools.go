package coverage

// This file contains the subprocess glue around the host LLVM
// toolchain: `llvm-profdata merge` and `llvm-cov export`.

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

const (
	defaultProfdataTool = "llvm-profdata"
	defaultCovTool      = "llvm-cov"

	profdataToolEnv = "DIFFTEST_LLVM_PROFDATA"
	covToolEnv      = "DIFFTEST_LLVM_COV"
)

// ExportError reports a non-zero exit from an external coverage tool.
type ExportError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("%s failed: %v (stderr: %s)", e.Tool, e.Err, e.Stderr)
}

func (e *ExportError) Unwrap() error { return e.Err }

// ParseError reports an unexpected shape in the exported coverage JSON.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse coverage export %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func profdataTool() string {
	if t := os.Getenv(profdataToolEnv); t != "" {
		return t
	}
	return defaultProfdataTool
}

func covTool() string {
	if t := os.Getenv(covToolEnv); t != "" {
		return t
	}
	return defaultCovTool
}

// MergeProfraws merges raw profile fragments into a single profdata
// artifact. A single fragment is still passed through merge for
// canonicalization.
func MergeProfraws(ctx context.Context, logger zerolog.Logger, profraws []string, out string) error {
	if len(profraws) == 0 {
		return fmt.Errorf("no .profraw files to merge into %s", out)
	}

	args := []string{"merge", "-sparse", "-o", out}
	args = append(args, profraws...)

	tool := profdataTool()
	logger.Debug().
		Str("command", shellescape.QuoteCommand(append([]string{tool}, args...))).
		Msg("Merging raw profiles")

	cmd := exec.CommandContext(ctx, tool, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &ExportError{Tool: tool, Args: args, Stderr: stderr.String(), Err: err}
	}

	return nil
}

// ExportProfdata runs `llvm-cov export` against the merged profile and
// the test binary, returning the raw JSON document.
func ExportProfdata(ctx context.Context, logger zerolog.Logger, profdata, binPath string, otherBinaries []string) ([]byte, error) {
	args := []string{"export", binPath, "-instr-profile=" + profdata}
	for _, bin := range otherBinaries {
		args = append(args, "-object", bin)
	}

	tool := covTool()
	logger.Debug().
		Str("command", shellescape.QuoteCommand(append([]string{tool}, args...))).
		Msg("Exporting coverage data")

	cmd := exec.CommandContext(ctx, tool, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &ExportError{Tool: tool, Args: args, Stderr: stderr.String(), Err: err}
	}

	return stdout.Bytes(), nil
}
