package analysis

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/index"
	"github.com/difftest/difftest/model"
)

// Verdict is the outcome of analyzing one test or group.
type Verdict string

const (
	// VerdictClean means no touched entry changed; rerun unnecessary.
	VerdictClean Verdict = "clean"
	// VerdictDirty means at least one touched entry changed, or the
	// status could not be determined.
	VerdictDirty Verdict = "dirty"
)

// Evidence entries are capped; the verdict only needs one.
const maxEvidence = 16

// Result is the per-test analysis record.
type Result struct {
	Desc    model.TestDesc `json:"desc"`
	Verdict Verdict        `json:"verdict"`
	// Touched entries that triggered dirty, as "path" or
	// "path:l1-l2"; capped at maxEvidence
	Evidence []string `json:"evidence,omitempty"`
	// More entries triggered dirty than Evidence lists
	EvidenceTruncated bool `json:"evidence_truncated,omitempty"`
	// Analysis failed; the verdict is a conservative dirty
	Error string `json:"error,omitempty"`
}

type lineRange struct {
	l1, l2 int
}

// Context holds one test's (or group's) touched set in the form the
// detectors query: resolved absolute paths, plus line ranges when
// region data is available.
type Context struct {
	desc    model.TestDesc
	files   []string
	regions map[string][]lineRange
	full    bool
}

// FromRegionMap builds an analysis context straight from exported
// coverage. Region data is always available on this path.
func FromRegionMap(desc model.TestDesc, rm coverage.RegionMap) *Context {
	c := &Context{
		desc:    desc,
		files:   rm.Files(),
		regions: map[string][]lineRange{},
		full:    true,
	}
	for file, fc := range rm {
		for _, r := range fc.Regions {
			c.regions[file] = append(c.regions[file], lineRange{l1: r.L1, l2: r.L2})
		}
	}
	return c
}

// FromIndex builds an analysis context from a compiled index. Paths
// flattened at compile time are resolved against resolveRoot, or
// against the recorded flatten root when resolveRoot is empty.
func FromIndex(ix *index.TestIndex, resolveRoot string) *Context {
	root := resolveRoot
	if root == "" {
		root = ix.FlattenRoot
	}

	resolve := func(f string) string {
		if filepath.IsAbs(filepath.FromSlash(f)) || root == "" {
			return f
		}
		return filepath.ToSlash(filepath.Join(filepath.FromSlash(root), filepath.FromSlash(f)))
	}

	c := &Context{
		desc: ix.Desc,
		full: ix.Variant == index.VariantFull,
	}
	for _, f := range ix.Files {
		c.files = append(c.files, resolve(f))
	}
	sort.Strings(c.files)

	if c.full {
		c.regions = map[string][]lineRange{}
		for file, regions := range ix.RegionsByFile() {
			resolved := resolve(file)
			for _, r := range regions {
				c.regions[resolved] = append(c.regions[resolved], lineRange{l1: r.L1, l2: r.L2})
			}
		}
	}
	return c
}

// TouchedFiles returns the resolved touched paths, sorted.
func (c *Context) TouchedFiles() []string { return c.files }

// Run evaluates the touched set against the detector. It fails only on
// configuration errors (a region-level algorithm against a tiny
// context); detector queries themselves cannot fail.
func (c *Context) Run(det *Detector) (Result, error) {
	if det.Algo().NeedsRegions() && !c.full {
		return Result{}, fmt.Errorf("%s: %w", det.Algo(), index.ErrVariantMismatch)
	}

	res := Result{Desc: c.desc, Verdict: VerdictClean}

	record := func(entry string) {
		res.Verdict = VerdictDirty
		if len(res.Evidence) < maxEvidence {
			res.Evidence = append(res.Evidence, entry)
		} else {
			res.EvidenceTruncated = true
		}
	}

	for _, file := range c.files {
		if det.Algo().NeedsRegions() {
			for _, r := range c.regions[file] {
				if det.RegionChanged(file, r.l1, r.l2) {
					record(fmt.Sprintf("%s:%d-%d", file, r.l1, r.l2))
				}
			}
			continue
		}
		if det.FileChanged(file) {
			record(file)
		}
	}

	return res, nil
}
