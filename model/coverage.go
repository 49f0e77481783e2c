package model

import (
	"encoding/json"
	"fmt"
)

// Coverage data deserialized from `llvm-cov export` JSON.
//
// Only the per-function records are consumed; file summaries and branch
// data are accepted and dropped.

// CoverageData is the top-level `llvm-cov export` document.
type CoverageData struct {
	Data []CoverageMapping `json:"data"`
	// Document type, e.g. "llvm.coverage.json.export"
	Kind    string `json:"type"`
	Version string `json:"version"`
}

// CoverageMapping holds the export of one profile against one set of
// binaries.
type CoverageMapping struct {
	Functions []CoverageFunction `json:"functions"`
}

// CoverageFunction is a single function record from the export.
type CoverageFunction struct {
	// Function name; llvm emits the mangled symbol
	Name string `json:"name"`
	// Number of times the function was entered
	Count int64 `json:"count"`
	// Files referenced by the function's regions, indexed by FileID
	Filenames []string `json:"filenames"`
	// Coverage regions of the function
	Regions []ExportRegion `json:"regions"`
}

// ExportRegion is one coverage region as emitted by `llvm-cov export`:
// a positional array [l1, c1, l2, c2, execution_count, file_id,
// expanded_file_id, region_kind].
type ExportRegion struct {
	L1             int
	C1             int
	L2             int
	C2             int
	ExecutionCount int64
	FileID         int
	ExpandedFileID int
	RegionKind     int
}

func (r *ExportRegion) UnmarshalJSON(data []byte) error {
	var raw []int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 8 {
		return fmt.Errorf("coverage region: expected 8 elements, got %d", len(raw))
	}
	*r = ExportRegion{
		L1:             int(raw[0]),
		C1:             int(raw[1]),
		L2:             int(raw[2]),
		C2:             int(raw[3]),
		ExecutionCount: raw[4],
		FileID:         int(raw[5]),
		ExpandedFileID: int(raw[6]),
		RegionKind:     int(raw[7]),
	}
	return nil
}

func (r ExportRegion) MarshalJSON() ([]byte, error) {
	return json.Marshal([]int64{
		int64(r.L1), int64(r.C1), int64(r.L2), int64(r.C2),
		r.ExecutionCount, int64(r.FileID), int64(r.ExpandedFileID), int64(r.RegionKind),
	})
}

// ParseCoverageData decodes an `llvm-cov export` JSON document.
func ParseCoverageData(data []byte) (*CoverageData, error) {
	var cov CoverageData
	if err := json.Unmarshal(data, &cov); err != nil {
		return nil, err
	}
	return &cov, nil
}
