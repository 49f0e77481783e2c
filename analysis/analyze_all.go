package analysis

// This file contains the batch engine: per-test orchestration of
// merge/export/index per the index strategy, the recursive analyze-all
// walk, group analysis, and analysis straight from stored indexes.

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/difftest"
	"github.com/difftest/difftest/index"
	"github.com/difftest/difftest/model"
)

// IndexStrategy controls whether analysis runs from compiled indexes
// or from the raw profiling data.
type IndexStrategy string

const (
	// StrategyNever always works from the exported coverage data.
	StrategyNever IndexStrategy = "never"
	// StrategyIfAvailable uses an index when one exists, without
	// generating any.
	StrategyIfAvailable IndexStrategy = "if-available"
	// StrategyAlways compiles (and persists) missing indexes, then
	// analyzes from them.
	StrategyAlways IndexStrategy = "always"
	// StrategyAlwaysAndClean additionally removes the raw profiling
	// data once the index is written.
	StrategyAlwaysAndClean IndexStrategy = "always-and-clean"
)

// ParseIndexStrategy validates a user-supplied strategy name.
func ParseIndexStrategy(s string) (IndexStrategy, error) {
	switch IndexStrategy(s) {
	case StrategyNever, StrategyIfAvailable, StrategyAlways, StrategyAlwaysAndClean:
		return IndexStrategy(s), nil
	}
	return "", fmt.Errorf("unknown index strategy %q", s)
}

func (s IndexStrategy) compiles() bool {
	return s == StrategyAlways || s == StrategyAlwaysAndClean
}

// GroupIndexFilename is the single index a group owns, written into
// the group root when indexes are compiled.
const GroupIndexFilename = "group.index"

// Options configures an Analyzer.
type Options struct {
	Algo   Algo
	Commit string
	// Regenerate intermediary artifacts even when cached
	Force    bool
	Export   difftest.ExportConfig
	Strategy IndexStrategy
	// Compilation settings for strategies that build indexes
	IndexBuild index.BuildConfig
	// Remaps test directories to out-of-tree index files
	Resolver *difftest.IndexPathResolver
	// Root prepended to flattened index paths at read time
	ResolveRoot string
	// Skip incompatible directories instead of failing
	IgnoreIncompatible bool
	// Concurrent per-test analyses; subprocess-bound, so modest
	// values suffice
	Jobs int
}

// Analyzer runs analyses that share one detector construction and one
// option set.
type Analyzer struct {
	logger zerolog.Logger
	opts   Options
	gitDet *Detector
}

// NewAnalyzer builds an analyzer, constructing the git-backed detector
// up front for the diff algorithms so that repository errors fail the
// whole run.
func NewAnalyzer(ctx context.Context, logger zerolog.Logger, opts Options) (*Analyzer, error) {
	a := &Analyzer{logger: logger, opts: opts}

	if opts.Algo != AlgoFSMtime {
		det, err := NewGitDetector(ctx, logger, opts.Algo, opts.Commit)
		if err != nil {
			return nil, err
		}
		a.gitDet = det
	}

	return a, nil
}

// detectorFor returns the detector to use for a test whose reference
// time is refTime. The git detectors are shared; mtime detectors are
// per-test because the reference differs per test.
func (a *Analyzer) detectorFor(refTime time.Time) *Detector {
	if a.opts.Algo == AlgoFSMtime {
		return NewMtimeDetector(refTime)
	}
	return a.gitDet
}

// AnalyzeOne analyzes a single test directory.
func (a *Analyzer) AnalyzeOne(ctx context.Context, d *difftest.Difftest) (Result, error) {
	cx, refTime, err := a.acquireContext(ctx, d)
	if err != nil {
		return Result{}, err
	}
	return cx.Run(a.detectorFor(refTime))
}

// acquireContext produces the analysis context and reference time for
// one test, honoring the index strategy.
func (a *Analyzer) acquireContext(ctx context.Context, d *difftest.Difftest) (*Context, time.Time, error) {
	useIndex := a.opts.Strategy != StrategyNever && d.HasIndex()

	if useIndex {
		ix, err := index.Read(d.IndexPath())
		if err != nil {
			return nil, time.Time{}, err
		}
		return FromIndex(ix, a.opts.ResolveRoot), ix.CreatedAt, nil
	}

	if a.opts.Strategy.compiles() {
		ix, err := a.compileIndex(ctx, d)
		if err != nil {
			return nil, time.Time{}, err
		}
		return FromIndex(ix, a.opts.ResolveRoot), ix.CreatedAt, nil
	}

	rm, desc, err := a.exportRegionMap(ctx, d)
	if err != nil {
		return nil, time.Time{}, err
	}
	return FromRegionMap(desc, rm), d.Mtime(), nil
}

func (a *Analyzer) exportRegionMap(ctx context.Context, d *difftest.Difftest) (coverage.RegionMap, model.TestDesc, error) {
	desc, err := d.LoadTestDesc()
	if err != nil {
		return nil, model.TestDesc{}, err
	}
	if err := d.MergeProfraws(ctx, a.logger, a.opts.Force); err != nil {
		return nil, model.TestDesc{}, err
	}
	cfg := a.opts.Export
	cfg.Force = cfg.Force || a.opts.Force
	rm, err := d.ExportCoverage(ctx, a.logger, cfg)
	if err != nil {
		return nil, model.TestDesc{}, err
	}
	return rm, desc, nil
}

// compileIndex builds, persists, and returns the index for a test that
// does not have one yet.
func (a *Analyzer) compileIndex(ctx context.Context, d *difftest.Difftest) (*index.TestIndex, error) {
	rm, desc, err := a.exportRegionMap(ctx, d)
	if err != nil {
		return nil, err
	}

	cfg := a.opts.IndexBuild
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	ix := index.Build(rm, desc, cfg)

	path := d.InTreeIndexPath()
	if a.opts.Resolver != nil {
		if p, ok := a.opts.Resolver.Resolve(d.Dir()); ok {
			path = p
		}
	}
	if err := index.Write(ix, path); err != nil {
		return nil, err
	}
	d.SetIndexPath(path)
	a.logger.Debug().Str("index", path).Msg("Compiled test index")

	if a.opts.Strategy == StrategyAlwaysAndClean {
		if err := d.Clean(); err != nil {
			a.logger.Warn().Err(err).Str("dir", d.Dir()).Msg("Failed to clean difftest directory")
		}
	}

	return ix, nil
}

// AnalyzeAll discovers every test directory under root and analyzes
// each. Per-test failures become annotated dirty results; only
// discovery and cancellation abort the batch. Results follow the
// sorted discovery order.
func (a *Analyzer) AnalyzeAll(ctx context.Context, root string) ([]Result, error) {
	tests, err := difftest.Discover(a.logger, root, difftest.DiscoverOptions{
		IgnoreIncompatible: a.opts.IgnoreIncompatible,
		Resolver:           a.opts.Resolver,
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(tests))

	jobs := a.opts.Jobs
	if jobs < 1 {
		jobs = 1
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
		sem  = make(chan struct{}, jobs)
	)

	for i, d := range tests {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, d *difftest.Difftest) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := a.AnalyzeOne(ctx, d)
			if err != nil {
				res = conservativeDirty(d, err)
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", d.Dir(), err))
				mu.Unlock()
			}
			results[i] = res
		}(i, d)
	}

	wg.Wait()

	if ctx.Err() != nil {
		// Partial results are discarded; verdicts must not come from
		// aborted exports.
		return nil, ctx.Err()
	}

	if errs.ErrorOrNil() != nil {
		a.logger.Warn().
			Int("failed", errs.Len()).
			Err(errs).
			Msg("Some tests could not be analyzed and were marked dirty")
	}

	return results, nil
}

// conservativeDirty wraps a per-test failure as a dirty result so that
// an undeterminable test is rerun rather than skipped.
func conservativeDirty(d *difftest.Difftest, err error) Result {
	desc, descErr := d.LoadTestDesc()
	if descErr != nil {
		desc = model.TestDesc{}
	}
	return Result{
		Desc:    desc,
		Verdict: VerdictDirty,
		Error:   err.Error(),
	}
}

// AnalyzeGroup treats every test directory under root as one group:
// the touched sets are unioned and a single verdict is produced. The
// member descriptors are returned for rerun.
func (a *Analyzer) AnalyzeGroup(ctx context.Context, root string) (Result, []model.TestDesc, error) {
	members, err := difftest.Discover(a.logger, root, difftest.DiscoverOptions{
		IgnoreIncompatible: a.opts.IgnoreIncompatible,
		Resolver:           a.opts.Resolver,
	})
	if err != nil {
		return Result{}, nil, err
	}
	if len(members) == 0 {
		a.logger.Warn().Str("dir", root).Msg("No tests found in group")
		return Result{Verdict: VerdictClean}, nil, nil
	}

	descs := make([]model.TestDesc, 0, len(members))
	for _, m := range members {
		desc, err := m.LoadTestDesc()
		if err != nil {
			return Result{}, nil, err
		}
		descs = append(descs, desc)
	}

	cx, refTime, err := a.acquireGroupContext(ctx, root, members, descs)
	if err != nil {
		return Result{}, nil, err
	}

	res, err := cx.Run(a.detectorFor(refTime))
	if err != nil {
		return Result{}, nil, err
	}
	return res, descs, nil
}

func (a *Analyzer) acquireGroupContext(ctx context.Context, root string, members []*difftest.Difftest, descs []model.TestDesc) (*Context, time.Time, error) {
	allIndexed := true
	for _, m := range members {
		if !m.HasIndex() {
			allIndexed = false
			break
		}
	}

	if a.opts.Strategy != StrategyNever && (allIndexed || a.opts.Strategy.compiles()) {
		refTime := time.Time{}
		indexes := make([]*index.TestIndex, 0, len(members))
		for _, m := range members {
			var (
				ix  *index.TestIndex
				err error
			)
			if m.HasIndex() {
				ix, err = index.Read(m.IndexPath())
			} else {
				ix, err = a.compileIndex(ctx, m)
			}
			if err != nil {
				return nil, time.Time{}, err
			}
			if refTime.IsZero() || ix.CreatedAt.Before(refTime) {
				refTime = ix.CreatedAt
			}
			indexes = append(indexes, ix)
		}

		merged, err := index.Merge(descs[0], time.Now(), indexes...)
		if err != nil {
			return nil, time.Time{}, err
		}

		if a.opts.Strategy.compiles() {
			groupPath := filepath.Join(root, GroupIndexFilename)
			if a.opts.Resolver != nil {
				if p, ok := a.opts.Resolver.Resolve(root); ok {
					groupPath = p
				}
			}
			if err := index.Write(merged, groupPath); err != nil {
				return nil, time.Time{}, err
			}
			a.logger.Debug().Str("index", groupPath).Msg("Compiled group index")
		}

		return FromIndex(merged, a.opts.ResolveRoot), refTime, nil
	}

	union := coverage.RegionMap{}
	refTime := time.Time{}
	for _, m := range members {
		rm, _, err := a.exportRegionMap(ctx, m)
		if err != nil {
			return nil, time.Time{}, err
		}
		union.Merge(rm)
		if refTime.IsZero() || m.Mtime().Before(refTime) {
			refTime = m.Mtime()
		}
	}
	return FromRegionMap(descs[0], union), refTime, nil
}

// RefreshIndexes recompiles indexes under root after a rerun. The test
// client re-creates rerun directories from scratch, so a missing index
// marks a directory whose trace is fresh; the new index atomically
// replaces any prior file. Failures are logged, not fatal: the next
// analysis falls back to the raw profiles.
func (a *Analyzer) RefreshIndexes(ctx context.Context, root string) {
	if !a.opts.Strategy.compiles() {
		return
	}

	tests, err := difftest.Discover(a.logger, root, difftest.DiscoverOptions{
		IgnoreIncompatible: a.opts.IgnoreIncompatible,
		Resolver:           a.opts.Resolver,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("dir", root).Msg("Failed to rediscover tests for index refresh")
		return
	}

	for _, d := range tests {
		if d.HasIndex() {
			continue
		}
		if _, err := a.compileIndex(ctx, d); err != nil {
			a.logger.Warn().Err(err).Str("dir", d.Dir()).Msg("Failed to refresh index")
		}
	}
}

// AnalyzeIndex analyzes a single stored index.
func (a *Analyzer) AnalyzeIndex(ix *index.TestIndex) (Result, error) {
	cx := FromIndex(ix, a.opts.ResolveRoot)
	return cx.Run(a.detectorFor(ix.CreatedAt))
}

// AnalyzeAllFromIndexes analyzes every index file under indexRoot.
// The raw test directories need not exist; indexes compiled on another
// machine work as long as their paths were flattened.
func (a *Analyzer) AnalyzeAllFromIndexes(ctx context.Context, indexRoot string) ([]Result, error) {
	var results []Result
	var errs *multierror.Error

	err := filepath.WalkDir(indexRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ix, err := index.Read(path)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable index file")
			return nil
		}

		res, err := a.AnalyzeIndex(ix)
		if err != nil {
			res = Result{Desc: ix.Desc, Verdict: VerdictDirty, Error: err.Error()}
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
		}
		results = append(results, res)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if errs.ErrorOrNil() != nil {
		a.logger.Warn().
			Int("failed", errs.Len()).
			Err(errs).
			Msg("Some indexes could not be analyzed and were marked dirty")
	}

	return results, nil
}
