// Package index compiles region maps into durable, compact summaries
// of a test's touched set, and reads them back for analysis.
package index

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/model"
)

// FormatVersion is the on-disk index format version.
const FormatVersion = 1

// Variant selects how much of the region map an index retains.
type Variant string

const (
	// VariantTiny keeps only the touched file paths.
	VariantTiny Variant = "tiny"
	// VariantFull keeps the touched regions as well.
	VariantFull Variant = "full"
)

// ErrVariantMismatch is returned when a region-level analysis is
// attempted against a tiny index.
var ErrVariantMismatch = errors.New("tiny index has no regions; recompile with the full variant")

// UnsupportedVersionError reports an index written by a different
// format version.
type UnsupportedVersionError struct {
	Path    string
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("%s: unsupported index version %d (want %d)", e.Path, e.Version, FormatVersion)
}

// CorruptIndexError reports an index whose content hash does not match
// its payload.
type CorruptIndexError struct {
	Path string
	Err  error
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt index %s: %v", e.Path, e.Err)
}

func (e *CorruptIndexError) Unwrap() error { return e.Err }

// Region is one touched region, tied to its file through FileID.
// Serialized as the positional array [l1, c1, l2, c2, count, file_id].
type Region struct {
	L1     int
	C1     int
	L2     int
	C2     int
	Count  int64
	FileID int
}

func (r *Region) UnmarshalJSON(data []byte) error {
	var raw []int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 6 {
		return fmt.Errorf("index region: expected 6 elements, got %d", len(raw))
	}
	*r = Region{
		L1: int(raw[0]), C1: int(raw[1]), L2: int(raw[2]), C2: int(raw[3]),
		Count: raw[4], FileID: int(raw[5]),
	}
	return nil
}

func (r Region) MarshalJSON() ([]byte, error) {
	return json.Marshal([]int64{
		int64(r.L1), int64(r.C1), int64(r.L2), int64(r.C2), r.Count, int64(r.FileID),
	})
}

// TestIndex is the durable summary of one test's (or group's) touched
// set. Files and regions are parallel arrays: regions refer to files
// by position.
type TestIndex struct {
	// Format version; always FormatVersion when written by this build
	V int `json:"v"`
	// Index variant
	Variant Variant `json:"variant"`
	// Wall-clock time the index was compiled; the reference time for
	// mtime-based change detection
	CreatedAt time.Time `json:"created_at"`
	// Descriptor of the generating test, or of the group's first
	// member
	Desc model.TestDesc `json:"desc"`
	// Root the file paths were rewritten relative to, if any
	FlattenRoot string `json:"flatten_root,omitempty"`
	// Sorted, deduplicated touched file paths
	Files []string `json:"files"`
	// Touched regions, full variant only; ordered by (file, l1, c1)
	Regions []Region `json:"regions,omitempty"`
	// Content hash over the rest of the document
	Hash string `json:"sha256,omitempty"`
}

// BuildConfig controls index compilation.
type BuildConfig struct {
	Variant Variant
	// Rewrite touched paths relative to this root; paths outside it
	// are kept as-is
	FlattenRoot string
	// Blank out the descriptor's binary path, which is machine-local
	RemoveBinPath bool
	// Index creation time; the caller supplies it so that compilation
	// is deterministic under test
	CreatedAt time.Time
}

// Build folds a region map into an index.
func Build(rm coverage.RegionMap, desc model.TestDesc, cfg BuildConfig) *TestIndex {
	if cfg.RemoveBinPath {
		desc.BinPath = ""
	}

	ix := &TestIndex{
		V:         FormatVersion,
		Variant:   cfg.Variant,
		CreatedAt: cfg.CreatedAt.UTC().Truncate(time.Second),
		Desc:      desc,
		Files:     []string{},
	}

	type entry struct {
		flattened string
		original  string
	}
	entries := make([]entry, 0, len(rm))
	for _, f := range rm.Files() {
		entries = append(entries, entry{flattened: flattenPath(f, cfg.FlattenRoot), original: f})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].flattened < entries[j].flattened })

	if cfg.FlattenRoot != "" {
		ix.FlattenRoot = filepath.ToSlash(cfg.FlattenRoot)
	}

	for id, e := range entries {
		ix.Files = append(ix.Files, e.flattened)
		if cfg.Variant != VariantFull {
			continue
		}
		for _, r := range rm[e.original].Regions {
			ix.Regions = append(ix.Regions, Region{
				L1: r.L1, C1: r.C1, L2: r.L2, C2: r.C2,
				Count: r.Count, FileID: id,
			})
		}
	}

	return ix
}

func flattenPath(path, root string) string {
	if root == "" {
		return path
	}
	rel, err := filepath.Rel(root, filepath.FromSlash(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// Merge unions several indices into one group index carrying desc. The
// result is full only if every input is full; inputs must agree on
// their flatten root.
func Merge(desc model.TestDesc, createdAt time.Time, indexes ...*TestIndex) (*TestIndex, error) {
	if len(indexes) == 0 {
		return nil, errors.New("no indexes to merge")
	}

	variant := VariantFull
	flattenRoot := indexes[0].FlattenRoot
	for _, ix := range indexes {
		if ix.Variant != VariantFull {
			variant = VariantTiny
		}
		if ix.FlattenRoot != flattenRoot {
			return nil, fmt.Errorf("cannot merge indexes with different flatten roots (%q vs %q)",
				flattenRoot, ix.FlattenRoot)
		}
	}

	fileSet := map[string]struct{}{}
	for _, ix := range indexes {
		for _, f := range ix.Files {
			fileSet[f] = struct{}{}
		}
	}
	files := make([]string, 0, len(fileSet))
	for f := range fileSet {
		files = append(files, f)
	}
	sort.Strings(files)
	fileID := make(map[string]int, len(files))
	for id, f := range files {
		fileID[f] = id
	}

	merged := &TestIndex{
		V:           FormatVersion,
		Variant:     variant,
		CreatedAt:   createdAt.UTC().Truncate(time.Second),
		Desc:        desc,
		FlattenRoot: flattenRoot,
		Files:       files,
	}

	if variant == VariantFull {
		type key struct {
			fileID         int
			l1, c1, l2, c2 int
		}
		seen := map[key]int{}
		for _, ix := range indexes {
			for _, r := range ix.Regions {
				if r.FileID < 0 || r.FileID >= len(ix.Files) {
					continue
				}
				k := key{fileID[ix.Files[r.FileID]], r.L1, r.C1, r.L2, r.C2}
				if at, ok := seen[k]; ok {
					if r.Count > merged.Regions[at].Count {
						merged.Regions[at].Count = r.Count
					}
					continue
				}
				seen[k] = len(merged.Regions)
				merged.Regions = append(merged.Regions, Region{
					L1: r.L1, C1: r.C1, L2: r.L2, C2: r.C2,
					Count: r.Count, FileID: k.fileID,
				})
			}
		}
		sort.Slice(merged.Regions, func(i, j int) bool {
			a, b := merged.Regions[i], merged.Regions[j]
			if a.FileID != b.FileID {
				return a.FileID < b.FileID
			}
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
	}

	return merged, nil
}

func contentHash(ix *TestIndex) (string, error) {
	clone := *ix
	clone.Hash = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])), nil
}

// Write serializes the index to path, stamping the content hash. The
// write is atomic: a sibling temp file is renamed over the target.
func Write(ix *TestIndex, path string) error {
	hash, err := contentHash(ix)
	if err != nil {
		return err
	}
	ix.Hash = hash

	data, err := json.Marshal(ix)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Read loads and verifies an index from path.
func Read(path string) (*TestIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ix TestIndex
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, &CorruptIndexError{Path: path, Err: err}
	}

	if ix.V != FormatVersion {
		return nil, &UnsupportedVersionError{Path: path, Version: ix.V}
	}

	switch ix.Variant {
	case VariantTiny, VariantFull:
	default:
		return nil, &CorruptIndexError{Path: path, Err: fmt.Errorf("unknown variant %q", ix.Variant)}
	}

	if ix.Hash != "" {
		want, err := contentHash(&ix)
		if err != nil {
			return nil, err
		}
		if ix.Hash != want {
			return nil, &CorruptIndexError{Path: path, Err: errors.New("content hash mismatch")}
		}
	}

	return &ix, nil
}

// RegionsByFile groups the regions of a full index by file path.
func (ix *TestIndex) RegionsByFile() map[string][]Region {
	byFile := make(map[string][]Region, len(ix.Files))
	for _, r := range ix.Regions {
		if r.FileID < 0 || r.FileID >= len(ix.Files) {
			continue
		}
		file := ix.Files[r.FileID]
		byFile[file] = append(byFile[file], r)
	}
	return byFile
}
