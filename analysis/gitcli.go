package analysis

// This file contains the version-control backend: thin wrappers around
// the git CLI that feed the diff-based change detectors.

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// NotARepositoryError means the working directory is not inside a git
// repository, which the diff-based detectors require.
type NotARepositoryError struct {
	Err error
}

func (e *NotARepositoryError) Error() string {
	return fmt.Sprintf("not in a git repository: %v", e.Err)
}

func (e *NotARepositoryError) Unwrap() error { return e.Err }

// BadRevisionError means the reference commit could not be resolved.
type BadRevisionError struct {
	Revision string
	Err      error
}

func (e *BadRevisionError) Error() string {
	return fmt.Sprintf("cannot resolve revision %q: %v", e.Revision, e.Err)
}

func (e *BadRevisionError) Unwrap() error { return e.Err }

// RepoRoot returns the top-level directory of the enclosing git
// repository.
func RepoRoot(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", &NotARepositoryError{Err: err}
	}
	return strings.TrimSpace(string(output)), nil
}

func resolveCommit(ctx context.Context, root, commit string) (string, error) {
	if commit == "" {
		commit = "HEAD"
	}
	cmd := exec.CommandContext(ctx, "git", "-C", root, "rev-parse", "--verify", commit+"^{commit}")
	output, err := cmd.Output()
	if err != nil {
		return "", &BadRevisionError{Revision: commit, Err: err}
	}
	return strings.TrimSpace(string(output)), nil
}

// diffNameOnly lists the paths (relative to root) that differ between
// the commit's tree and the working tree.
func diffNameOnly(ctx context.Context, root, commit string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", root, "diff", "--name-only", "-z", commit)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --name-only failed: %w", err)
	}

	var files []string
	for _, f := range bytes.Split(output, []byte{0}) {
		if len(f) > 0 {
			files = append(files, string(f))
		}
	}
	return files, nil
}

// diffUnified returns the zero-context unified diff between the
// commit's tree and the working tree.
func diffUnified(ctx context.Context, root, commit string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", root, "diff", "-U0", "--no-color", commit)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	return output, nil
}
