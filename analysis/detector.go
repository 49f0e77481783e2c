// Package analysis contains the verdict engine: change detectors over
// the working tree and the analyzer that turns a test's touched set
// into a clean/dirty verdict.
package analysis

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/go-diff/diff"
)

// Algo selects the change-detection algorithm.
type Algo string

const (
	// AlgoFSMtime compares file mtimes against the analysis reference
	// time.
	AlgoFSMtime Algo = "fs-mtime"
	// AlgoGitDiffFiles marks the files listed by `git diff` against a
	// reference commit.
	AlgoGitDiffFiles Algo = "git-diff-files"
	// AlgoGitDiffHunks intersects touched regions with the diff hunks
	// against a reference commit.
	AlgoGitDiffHunks Algo = "git-diff-hunks"
)

// ParseAlgo validates a user-supplied algorithm name.
func ParseAlgo(s string) (Algo, error) {
	switch Algo(s) {
	case AlgoFSMtime, AlgoGitDiffFiles, AlgoGitDiffHunks:
		return Algo(s), nil
	}
	return "", fmt.Errorf("unknown algorithm %q (want %s, %s or %s)",
		s, AlgoFSMtime, AlgoGitDiffFiles, AlgoGitDiffHunks)
}

// NeedsRegions reports whether the algorithm requires region-level
// data, i.e. a full index.
func (a Algo) NeedsRegions() bool { return a == AlgoGitDiffHunks }

// Hunk is one post-image change range: lines [NewStart,
// NewStart+NewLines).
type Hunk struct {
	NewStart int
	NewLines int
}

// Detector answers "has this touched file/region changed" for one
// analysis. Construction does all the git work; queries only stat (and,
// for line counts, read) local files and are safe to use concurrently.
type Detector struct {
	algo Algo

	// fs-mtime
	refTime time.Time

	// git-diff-files / git-diff-hunks
	repoRoot     string
	changedFiles map[string]struct{}
	hunks        map[string][]Hunk
	deleted      map[string]struct{}

	mu         sync.Mutex
	fileCache  map[string]bool
	lineCounts map[string]int
}

// NewMtimeDetector builds an fs-mtime detector. A file counts as
// changed when its mtime is strictly after refTime, or when it cannot
// be stated.
func NewMtimeDetector(refTime time.Time) *Detector {
	return &Detector{
		algo:       AlgoFSMtime,
		refTime:    refTime,
		fileCache:  map[string]bool{},
		lineCounts: map[string]int{},
	}
}

// NewGitDetector builds a git-diff-files or git-diff-hunks detector
// against commit (default HEAD). Fails with NotARepositoryError or
// BadRevisionError.
func NewGitDetector(ctx context.Context, logger zerolog.Logger, algo Algo, commit string) (*Detector, error) {
	root, err := RepoRoot(ctx)
	if err != nil {
		return nil, err
	}

	resolved, err := resolveCommit(ctx, root, commit)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		algo:         algo,
		repoRoot:     filepath.ToSlash(root),
		changedFiles: map[string]struct{}{},
		hunks:        map[string][]Hunk{},
		deleted:      map[string]struct{}{},
		fileCache:    map[string]bool{},
		lineCounts:   map[string]int{},
	}

	switch algo {
	case AlgoGitDiffFiles:
		files, err := diffNameOnly(ctx, root, resolved)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			d.changedFiles[normCase(filepath.ToSlash(filepath.Join(root, f)))] = struct{}{}
		}
		logger.Debug().
			Str("commit", resolved).
			Int("changed_files", len(files)).
			Msg("Loaded git diff file list")

	case AlgoGitDiffHunks:
		raw, err := diffUnified(ctx, root, resolved)
		if err != nil {
			return nil, err
		}
		if err := d.loadHunks(raw); err != nil {
			return nil, err
		}
		logger.Debug().
			Str("commit", resolved).
			Int("files_with_hunks", len(d.hunks)).
			Msg("Loaded git diff hunks")

	default:
		return nil, fmt.Errorf("algorithm %q is not git-based", algo)
	}

	return d, nil
}

func (d *Detector) loadHunks(raw []byte) error {
	fileDiffs, err := diff.ParseMultiFileDiff(raw)
	if err != nil {
		return fmt.Errorf("failed to parse git diff output: %w", err)
	}

	for _, fd := range fileDiffs {
		newName := stripDiffPrefix(fd.NewName, "b/")
		if newName == "/dev/null" || newName == "" {
			// Deleted in the working tree; every touched region of it
			// is a positive signal.
			origName := stripDiffPrefix(fd.OrigName, "a/")
			if origName != "" && origName != "/dev/null" {
				d.deleted[d.absRepoPath(origName)] = struct{}{}
			}
			continue
		}

		abs := d.absRepoPath(newName)
		for _, h := range fd.Hunks {
			d.hunks[abs] = append(d.hunks[abs], Hunk{
				NewStart: int(h.NewStartLine),
				NewLines: int(h.NewLines),
			})
		}
	}
	return nil
}

func stripDiffPrefix(name, prefix string) string {
	return strings.TrimPrefix(name, prefix)
}

func (d *Detector) absRepoPath(rel string) string {
	return normCase(filepath.ToSlash(filepath.Join(filepath.FromSlash(d.repoRoot), rel)))
}

// normCase lowercases paths on case-insensitive platforms so diff
// output and coverage paths compare equal.
func normCase(p string) string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.ToLower(p)
	}
	return p
}

// Algo returns the algorithm the detector implements.
func (d *Detector) Algo() Algo { return d.algo }

// FileChanged reports whether a touched file is considered changed.
// Queries never fail; I/O errors fold into "changed".
func (d *Detector) FileChanged(path string) bool {
	d.mu.Lock()
	if v, ok := d.fileCache[path]; ok {
		d.mu.Unlock()
		return v
	}
	d.mu.Unlock()

	changed := d.fileChangedUncached(path)

	d.mu.Lock()
	d.fileCache[path] = changed
	d.mu.Unlock()
	return changed
}

func (d *Detector) fileChangedUncached(path string) bool {
	info, err := os.Stat(filepath.FromSlash(path))
	if err != nil {
		// Missing or unstatable touched files always count as dirty.
		return true
	}

	switch d.algo {
	case AlgoFSMtime:
		return info.ModTime().After(d.refTime)

	case AlgoGitDiffFiles:
		norm := normCase(filepath.ToSlash(path))
		if !strings.HasPrefix(norm, normCase(d.repoRoot)+"/") && norm != normCase(d.repoRoot) {
			// Outside the repository there is no diff to consult.
			return true
		}
		_, ok := d.changedFiles[norm]
		return ok
	}

	// git-diff-hunks is region-granular and only reached through
	// RegionChanged.
	return true
}

// RegionChanged reports whether the touched region spanning lines
// [l1, l2] of path is considered changed. For file-granular algorithms
// the region collapses to its file.
func (d *Detector) RegionChanged(path string, l1, l2 int) bool {
	if d.algo != AlgoGitDiffHunks {
		return d.FileChanged(path)
	}

	norm := normCase(filepath.ToSlash(path))

	if _, err := os.Stat(filepath.FromSlash(path)); err != nil {
		return true
	}
	if _, ok := d.deleted[norm]; ok {
		return true
	}

	if lines, ok := d.lineCount(path); ok && l2 > lines {
		// The recorded region extends past the file's current end;
		// assume changed.
		return true
	}

	for _, h := range d.hunks[norm] {
		if h.NewLines == 0 {
			// Pure deletion: the post-image range is empty and
			// intersects nothing.
			continue
		}
		if l1 < h.NewStart+h.NewLines && l2 >= h.NewStart {
			return true
		}
	}
	return false
}

func (d *Detector) lineCount(path string) (int, bool) {
	d.mu.Lock()
	if n, ok := d.lineCounts[path]; ok {
		d.mu.Unlock()
		return n, n >= 0
	}
	d.mu.Unlock()

	n := countLines(filepath.FromSlash(path))

	d.mu.Lock()
	d.lineCounts[path] = n
	d.mu.Unlock()
	return n, n >= 0
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return -1
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	if scanner.Err() != nil {
		return -1
	}
	return n
}
