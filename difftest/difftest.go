// Package difftest owns the on-disk test directory format: one
// directory per test invocation, holding the descriptor written by the
// test client, the raw profile fragments, and the cached analysis
// artifacts derived from them.
package difftest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/model"
)

// Well-known file names inside a test directory.
const (
	SelfJSONFilename     = "self.json"
	SelfProfrawFilename  = "self.profraw"
	SelfProfdataFilename = "self.profdata"
	SelfExportFilename   = "self.export.json"
	SelfIndexFilename    = "self.index"
	VersionFilename      = "difftest_version"
	CleanedFilename      = "cleaned"
)

// DataFormatVersion is written by the test client and checked at
// discovery. Directories written by a different format are
// incompatible.
const DataFormatVersion = "1"

// NoDescriptorError reports a directory without a self.json.
type NoDescriptorError struct {
	Dir string
}

func (e *NoDescriptorError) Error() string {
	return fmt.Sprintf("%s: no %s descriptor", e.Dir, SelfJSONFilename)
}

// CorruptDescriptorError reports a malformed self.json.
type CorruptDescriptorError struct {
	Path string
	Err  error
}

func (e *CorruptDescriptorError) Error() string {
	return fmt.Sprintf("corrupt descriptor %s: %v", e.Path, e.Err)
}

func (e *CorruptDescriptorError) Unwrap() error { return e.Err }

// NotADifftestError reports a directory that has a descriptor but
// neither profile data nor an index; it is not a test directory.
type NotADifftestError struct {
	Dir string
}

func (e *NotADifftestError) Error() string {
	return fmt.Sprintf("%s: neither profiles nor an index present", e.Dir)
}

// IncompatibleError reports a version file that does not match this
// build's data format.
type IncompatibleError struct {
	Dir   string
	Found string
	Want  string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("%s: incompatible difftest version %q (want %q)", e.Dir, e.Found, e.Want)
}

// ErrCleaned is returned when profiling data is requested from a
// directory whose raw artifacts were cleaned after index compilation.
var ErrCleaned = errors.New("difftest directory was cleaned; only the index remains")

// Difftest is one sealed test directory.
type Difftest struct {
	dir      string
	profraws []string

	profdataPath string // empty until merged
	exportPath   string // empty until exported
	indexPath    string // empty unless an index exists

	cleaned bool
	mtime   time.Time

	desc *model.TestDesc
}

// Open validates dir as a test directory and loads its layout. The
// resolver, if given, locates an out-of-tree index file for the
// directory.
func Open(dir string, resolver *IndexPathResolver) (*Difftest, error) {
	selfJSON := filepath.Join(dir, SelfJSONFilename)
	info, err := os.Stat(selfJSON)
	if err != nil {
		return nil, &NoDescriptorError{Dir: dir}
	}

	d := &Difftest{
		dir:   dir,
		mtime: info.ModTime(),
	}

	if _, err := d.LoadTestDesc(); err != nil {
		return nil, err
	}

	if err := checkVersionFile(dir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read difftest directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".profraw"):
			d.profraws = append(d.profraws, filepath.Join(dir, name))
		case name == SelfProfdataFilename:
			d.profdataPath = filepath.Join(dir, name)
		case name == SelfExportFilename:
			d.exportPath = filepath.Join(dir, name)
		case name == SelfIndexFilename:
			d.indexPath = filepath.Join(dir, name)
		case name == CleanedFilename:
			d.cleaned = true
		}
	}

	if d.indexPath == "" && resolver != nil {
		if p, ok := resolver.Resolve(dir); ok {
			if _, err := os.Stat(p); err == nil {
				d.indexPath = p
			}
		}
	}

	if len(d.profraws) == 0 && d.profdataPath == "" && d.exportPath == "" && d.indexPath == "" {
		return nil, &NotADifftestError{Dir: dir}
	}

	return d, nil
}

func checkVersionFile(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, VersionFilename))
	if err != nil {
		// Directories without a version file predate the version
		// marker; accept them.
		return nil
	}
	found := strings.TrimSpace(string(data))
	if found != DataFormatVersion {
		return &IncompatibleError{Dir: dir, Found: found, Want: DataFormatVersion}
	}
	return nil
}

// Dir returns the test directory path.
func (d *Difftest) Dir() string { return d.dir }

// Mtime is the modification time of the descriptor, used as the
// fallback reference time for mtime-based change detection.
func (d *Difftest) Mtime() time.Time { return d.mtime }

// HasProfdata reports whether a merged profile is present.
func (d *Difftest) HasProfdata() bool { return d.profdataPath != "" }

// ProfdataPath returns the merged profile path, or "" before merging.
func (d *Difftest) ProfdataPath() string { return d.profdataPath }

// HasIndex reports whether a compiled index is present.
func (d *Difftest) HasIndex() bool { return d.indexPath != "" }

// IndexPath returns the index file path, or "" when none exists.
func (d *Difftest) IndexPath() string { return d.indexPath }

// InTreeIndexPath is where a freshly compiled index is written when no
// resolver remaps it elsewhere.
func (d *Difftest) InTreeIndexPath() string {
	return filepath.Join(d.dir, SelfIndexFilename)
}

// SetIndexPath records the location of a just-written index.
func (d *Difftest) SetIndexPath(p string) { d.indexPath = p }

// LoadTestDesc reads and caches the descriptor.
func (d *Difftest) LoadTestDesc() (model.TestDesc, error) {
	if d.desc != nil {
		return *d.desc, nil
	}

	selfJSON := filepath.Join(d.dir, SelfJSONFilename)
	data, err := os.ReadFile(selfJSON)
	if err != nil {
		return model.TestDesc{}, &NoDescriptorError{Dir: d.dir}
	}

	var desc model.TestDesc
	if err := json.Unmarshal(data, &desc); err != nil {
		return model.TestDesc{}, &CorruptDescriptorError{Path: selfJSON, Err: err}
	}
	if desc.BinPath == "" {
		return model.TestDesc{}, &CorruptDescriptorError{
			Path: selfJSON,
			Err:  errors.New("missing bin_path"),
		}
	}

	d.desc = &desc
	return desc, nil
}

// MergeProfraws merges the raw profile fragments into self.profdata.
// An existing merged profile is reused unless force is set.
func (d *Difftest) MergeProfraws(ctx context.Context, logger zerolog.Logger, force bool) error {
	if d.cleaned {
		return ErrCleaned
	}
	if d.profdataPath != "" && !force {
		return nil
	}

	out := filepath.Join(d.dir, SelfProfdataFilename)
	if err := coverage.MergeProfraws(ctx, logger, d.profraws, out); err != nil {
		return err
	}

	d.profdataPath = out
	return nil
}

// ExportConfig controls how a merged profile is exported and folded
// into a region map.
type ExportConfig struct {
	// Skip files under the module cache and toolchain root
	IgnoreRegistryFiles bool
	// Additional instrumented binaries the test spawned
	OtherBinaries []string
	// Re-run the export even when self.export.json is cached
	Force bool
}

// ExportCoverage produces the region map for this test, caching the
// exported JSON at self.export.json.
func (d *Difftest) ExportCoverage(ctx context.Context, logger zerolog.Logger, cfg ExportConfig) (coverage.RegionMap, error) {
	if d.cleaned {
		return nil, ErrCleaned
	}

	var raw []byte
	if d.exportPath != "" && !cfg.Force {
		data, err := os.ReadFile(d.exportPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read cached export %s: %w", d.exportPath, err)
		}
		raw = data
	} else {
		if !d.HasProfdata() {
			return nil, fmt.Errorf("%s: no merged profile; merge profraws first", d.dir)
		}

		desc, err := d.LoadTestDesc()
		if err != nil {
			return nil, err
		}

		raw, err = coverage.ExportProfdata(ctx, logger, d.profdataPath, desc.BinPath, cfg.OtherBinaries)
		if err != nil {
			return nil, err
		}

		cachePath := filepath.Join(d.dir, SelfExportFilename)
		if err := os.WriteFile(cachePath, raw, 0644); err != nil {
			logger.Warn().Err(err).Str("path", cachePath).Msg("Failed to cache coverage export")
		} else {
			d.exportPath = cachePath
		}
	}

	cov, err := model.ParseCoverageData(raw)
	if err != nil {
		return nil, &coverage.ParseError{Path: d.exportPath, Err: err}
	}

	return coverage.FromCoverageData(cov, coverage.AcceptFileFunc(cfg.IgnoreRegistryFiles)), nil
}

// Clean removes the profiling artifacts, leaving only the descriptor
// and the index. Analysis afterwards must come from the index.
func (d *Difftest) Clean() error {
	if d.cleaned {
		return nil
	}
	if !d.HasIndex() {
		return fmt.Errorf("%s: refusing to clean without a compiled index", d.dir)
	}

	remove := append([]string{}, d.profraws...)
	if d.profdataPath != "" {
		remove = append(remove, d.profdataPath)
	}
	if d.exportPath != "" {
		remove = append(remove, d.exportPath)
	}
	for _, p := range remove {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if err := os.WriteFile(filepath.Join(d.dir, CleanedFilename), nil, 0644); err != nil {
		return err
	}

	d.profraws = nil
	d.profdataPath = ""
	d.exportPath = ""
	d.cleaned = true
	return nil
}
