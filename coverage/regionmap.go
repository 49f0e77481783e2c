package coverage

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/difftest/difftest/model"
)

// Region is a contiguous span of source characters with a non-zero
// execution count.
type Region struct {
	L1    int
	C1    int
	L2    int
	C2    int
	Count int64
}

// FileCoverage is the ordered set of touched regions of one file.
type FileCoverage struct {
	Regions []Region
	// The path did not resolve to an existing file at analysis time.
	// It still counts as touched, and mtime-based detection treats it
	// as changed.
	Unverified bool
}

// RegionMap maps canonical absolute source paths to their touched
// regions. Within a file, regions are sorted by (L1, C1, L2, C2) with
// duplicates collapsed.
type RegionMap map[string]*FileCoverage

// Files returns the touched paths in lexicographic order.
func (rm RegionMap) Files() []string {
	files := make([]string, 0, len(rm))
	for f := range rm {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func (rm RegionMap) add(file string, unverified bool, r Region) {
	fc, ok := rm[file]
	if !ok {
		fc = &FileCoverage{}
		rm[file] = fc
	}
	fc.Unverified = fc.Unverified || unverified
	fc.Regions = append(fc.Regions, r)
}

// canonicalize sorts and deduplicates every file's regions. Duplicate
// keys keep the larger count; counts do not affect verdicts, only the
// span does.
func (rm RegionMap) canonicalize() {
	for _, fc := range rm {
		sort.Slice(fc.Regions, func(i, j int) bool {
			a, b := fc.Regions[i], fc.Regions[j]
			if a.L1 != b.L1 {
				return a.L1 < b.L1
			}
			if a.C1 != b.C1 {
				return a.C1 < b.C1
			}
			if a.L2 != b.L2 {
				return a.L2 < b.L2
			}
			return a.C2 < b.C2
		})
		out := fc.Regions[:0]
		for _, r := range fc.Regions {
			n := len(out)
			if n > 0 && out[n-1].L1 == r.L1 && out[n-1].C1 == r.C1 &&
				out[n-1].L2 == r.L2 && out[n-1].C2 == r.C2 {
				if r.Count > out[n-1].Count {
					out[n-1].Count = r.Count
				}
				continue
			}
			out = append(out, r)
		}
		fc.Regions = out
	}
}

// FromCoverageData folds an exported coverage document into a
// RegionMap. Regions with a zero execution count are discarded, paths
// are canonicalized, and files rejected by accept are dropped.
func FromCoverageData(cov *model.CoverageData, accept func(string) bool) RegionMap {
	rm := RegionMap{}
	paths := newPathCache()

	for _, mapping := range cov.Data {
		for _, fn := range mapping.Functions {
			for _, region := range fn.Regions {
				if region.ExecutionCount == 0 {
					continue
				}
				if region.FileID < 0 || region.FileID >= len(fn.Filenames) {
					continue
				}
				file, unverified := paths.canonical(fn.Filenames[region.FileID])
				if accept != nil && !accept(file) {
					continue
				}
				rm.add(file, unverified, Region{
					L1:    region.L1,
					C1:    region.C1,
					L2:    region.L2,
					C2:    region.C2,
					Count: region.ExecutionCount,
				})
			}
		}
	}

	rm.canonicalize()
	return rm
}

// Merge unions other into rm.
func (rm RegionMap) Merge(other RegionMap) {
	for file, fc := range other {
		for _, r := range fc.Regions {
			rm.add(file, fc.Unverified, r)
		}
		if len(fc.Regions) == 0 {
			if _, ok := rm[file]; !ok {
				rm[file] = &FileCoverage{Unverified: fc.Unverified}
			}
		}
	}
	rm.canonicalize()
}

// pathCache memoizes path canonicalization; exports repeat the same
// filename once per function.
type pathCache struct {
	seen map[string]canonPath
}

type canonPath struct {
	path       string
	unverified bool
}

func newPathCache() *pathCache {
	return &pathCache{seen: map[string]canonPath{}}
}

// canonical makes the path absolute, resolves symlinks once, and
// normalizes separators. Paths that do not exist on disk are kept
// verbatim (absolute, slash-normalized) and flagged unverified; they
// may have been generated during the build or deleted since.
func (c *pathCache) canonical(path string) (string, bool) {
	if cp, ok := c.seen[path]; ok {
		return cp.path, cp.unverified
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	resolved := abs
	unverified := false
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		resolved = r
	} else if _, statErr := os.Stat(abs); statErr != nil {
		unverified = true
	}
	resolved = filepath.ToSlash(resolved)

	c.seen[path] = canonPath{path: resolved, unverified: unverified}
	return resolved, unverified
}
