package difftest

// This file contains recursive discovery of test directories under a
// root, and the remapping of their index files to an external index
// root.

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// IndexPathResolver remaps a test directory under From to its index
// file under To, mirroring the directory layout.
type IndexPathResolver struct {
	From string
	To   string
}

// Resolve returns the index file path for dir, or false when dir is
// not under From.
func (r *IndexPathResolver) Resolve(dir string) (string, bool) {
	rel, err := filepath.Rel(r.From, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		rel = "self"
	}
	return filepath.Join(r.To, rel+".index"), true
}

// DiscoverOptions controls directory discovery.
type DiscoverOptions struct {
	// Skip (with a warning) directories written by an incompatible
	// data format instead of failing the walk
	IgnoreIncompatible bool
	// Locates out-of-tree index files
	Resolver *IndexPathResolver
}

// Discover recursively enumerates test directories under root: any
// directory with a valid self.json and at least one profile or index.
// Malformed directories are skipped with a warning; incompatible ones
// fail the walk unless IgnoreIncompatible is set. Results are sorted
// by directory path.
func Discover(logger zerolog.Logger, root string, opts DiscoverOptions) ([]*Difftest, error) {
	if _, err := os.Stat(root); err != nil {
		logger.Warn().Str("dir", root).Msg("Discovery root does not exist")
		return nil, nil
	}

	var discovered []*Difftest
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if _, err := os.Stat(filepath.Join(path, SelfJSONFilename)); err != nil {
			return nil
		}

		d, err := Open(path, opts.Resolver)
		if err != nil {
			var incompatible *IncompatibleError
			if errors.As(err, &incompatible) {
				if opts.IgnoreIncompatible {
					logger.Warn().Str("dir", path).Msg("Skipping incompatible difftest directory")
					return fs.SkipDir
				}
				return err
			}
			logger.Warn().Err(err).Str("dir", path).Msg("Skipping malformed difftest directory")
			return nil
		}

		discovered = append(discovered, d)
		// Test directories own their subtree; nothing difftest-shaped
		// nests below them.
		return fs.SkipDir
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(discovered, func(i, j int) bool {
		return discovered[i].dir < discovered[j].dir
	})
	return discovered, nil
}
