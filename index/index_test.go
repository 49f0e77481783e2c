package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/model"
)

var testCreatedAt = time.Date(2024, 5, 14, 10, 30, 0, 0, time.UTC)

func sampleRegionMap() coverage.RegionMap {
	return coverage.RegionMap{
		"/repo/src/b.c": &coverage.FileCoverage{Regions: []coverage.Region{
			{L1: 7, C1: 1, L2: 9, C2: 2, Count: 2},
		}},
		"/repo/src/a.c": &coverage.FileCoverage{Regions: []coverage.Region{
			{L1: 1, C1: 1, L2: 3, C2: 2, Count: 4},
			{L1: 10, C1: 1, L2: 20, C2: 2, Count: 1},
		}},
	}
}

func sampleDesc() model.TestDesc {
	return model.TestDesc{
		BinPath: "/bin/t1",
		Extra:   json.RawMessage(`{"pkg":"./p","test":"TestX"}`),
	}
}

func TestBuildTiny(t *testing.T) {
	ix := Build(sampleRegionMap(), sampleDesc(), BuildConfig{
		Variant:   VariantTiny,
		CreatedAt: testCreatedAt,
	})

	require.Equal(t, FormatVersion, ix.V)
	require.Equal(t, VariantTiny, ix.Variant)
	require.Equal(t, []string{"/repo/src/a.c", "/repo/src/b.c"}, ix.Files)
	require.Empty(t, ix.Regions)
	require.Equal(t, "/bin/t1", ix.Desc.BinPath)
}

func TestBuildFull(t *testing.T) {
	ix := Build(sampleRegionMap(), sampleDesc(), BuildConfig{
		Variant:   VariantFull,
		CreatedAt: testCreatedAt,
	})

	require.Equal(t, VariantFull, ix.Variant)
	require.Equal(t, []Region{
		{L1: 1, C1: 1, L2: 3, C2: 2, Count: 4, FileID: 0},
		{L1: 10, C1: 1, L2: 20, C2: 2, Count: 1, FileID: 0},
		{L1: 7, C1: 1, L2: 9, C2: 2, Count: 2, FileID: 1},
	}, ix.Regions)
}

func TestBuildRemoveBinPath(t *testing.T) {
	ix := Build(sampleRegionMap(), sampleDesc(), BuildConfig{
		Variant:       VariantTiny,
		RemoveBinPath: true,
		CreatedAt:     testCreatedAt,
	})

	require.Empty(t, ix.Desc.BinPath)
	// Extra survives untouched
	require.JSONEq(t, `{"pkg":"./p","test":"TestX"}`, string(ix.Desc.Extra))
}

func TestBuildFlatten(t *testing.T) {
	rm := sampleRegionMap()
	rm["/elsewhere/c.c"] = &coverage.FileCoverage{Regions: []coverage.Region{
		{L1: 1, C1: 1, L2: 1, C2: 2, Count: 1},
	}}

	ix := Build(rm, sampleDesc(), BuildConfig{
		Variant:     VariantFull,
		FlattenRoot: "/repo",
		CreatedAt:   testCreatedAt,
	})

	require.Equal(t, "/repo", ix.FlattenRoot)
	// Paths outside the root stay absolute; sorting happens after
	// flattening
	require.Equal(t, []string{"/elsewhere/c.c", "src/a.c", "src/b.c"}, ix.Files)

	byFile := ix.RegionsByFile()
	require.Len(t, byFile["src/a.c"], 2)
	require.Len(t, byFile["/elsewhere/c.c"], 1)
}

func TestWriteReadRoundTrip(t *testing.T) {
	ix := Build(sampleRegionMap(), sampleDesc(), BuildConfig{
		Variant:   VariantFull,
		CreatedAt: testCreatedAt,
	})

	path := filepath.Join(t.TempDir(), "t1.index")
	require.NoError(t, Write(ix, path))

	back, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, ix, back)
}

func TestWriteDeterministic(t *testing.T) {
	p1 := filepath.Join(t.TempDir(), "one.index")
	p2 := filepath.Join(t.TempDir(), "two.index")

	require.NoError(t, Write(Build(sampleRegionMap(), sampleDesc(), BuildConfig{
		Variant:   VariantFull,
		CreatedAt: testCreatedAt,
	}), p1))
	require.NoError(t, Write(Build(sampleRegionMap(), sampleDesc(), BuildConfig{
		Variant:   VariantFull,
		CreatedAt: testCreatedAt,
	}), p2))

	d1, err := os.ReadFile(p1)
	require.NoError(t, err)
	d2, err := os.ReadFile(p2)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestReadDetectsCorruption(t *testing.T) {
	ix := Build(sampleRegionMap(), sampleDesc(), BuildConfig{
		Variant:   VariantTiny,
		CreatedAt: testCreatedAt,
	})

	path := filepath.Join(t.TempDir(), "t1.index")
	require.NoError(t, Write(ix, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data))
	copy(tampered[len(tampered)/2:], []byte("a.c"))
	// Flip payload bytes while keeping valid JSON where possible; a
	// parse failure is also a corruption failure
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	_, err = Read(path)
	require.Error(t, err)
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t1.index")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":99,"variant":"tiny","created_at":"2024-05-14T10:30:00Z","desc":{"bin_path":"x"},"files":[]}`), 0644))

	_, err := Read(path)
	var unsupported *UnsupportedVersionError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, 99, unsupported.Version)
}

func TestMerge(t *testing.T) {
	a := Build(coverage.RegionMap{
		"/repo/a.c": &coverage.FileCoverage{Regions: []coverage.Region{
			{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1},
		}},
	}, sampleDesc(), BuildConfig{Variant: VariantFull, CreatedAt: testCreatedAt})

	b := Build(coverage.RegionMap{
		"/repo/a.c": &coverage.FileCoverage{Regions: []coverage.Region{
			{L1: 1, C1: 1, L2: 2, C2: 1, Count: 5},
			{L1: 9, C1: 1, L2: 9, C2: 4, Count: 1},
		}},
		"/repo/b.c": &coverage.FileCoverage{Regions: []coverage.Region{
			{L1: 1, C1: 1, L2: 1, C2: 2, Count: 1},
		}},
	}, sampleDesc(), BuildConfig{Variant: VariantFull, CreatedAt: testCreatedAt})

	merged, err := Merge(sampleDesc(), testCreatedAt, a, b)
	require.NoError(t, err)

	require.Equal(t, VariantFull, merged.Variant)
	require.Equal(t, []string{"/repo/a.c", "/repo/b.c"}, merged.Files)
	require.Equal(t, []Region{
		{L1: 1, C1: 1, L2: 2, C2: 1, Count: 5, FileID: 0},
		{L1: 9, C1: 1, L2: 9, C2: 4, Count: 1, FileID: 0},
		{L1: 1, C1: 1, L2: 1, C2: 2, Count: 1, FileID: 1},
	}, merged.Regions)
}

func TestMergeTinyDowngrades(t *testing.T) {
	full := Build(sampleRegionMap(), sampleDesc(), BuildConfig{Variant: VariantFull, CreatedAt: testCreatedAt})
	tiny := Build(sampleRegionMap(), sampleDesc(), BuildConfig{Variant: VariantTiny, CreatedAt: testCreatedAt})

	merged, err := Merge(sampleDesc(), testCreatedAt, full, tiny)
	require.NoError(t, err)
	require.Equal(t, VariantTiny, merged.Variant)
	require.Empty(t, merged.Regions)
}

func TestMergeFlattenRootMismatch(t *testing.T) {
	a := Build(sampleRegionMap(), sampleDesc(), BuildConfig{Variant: VariantTiny, FlattenRoot: "/repo", CreatedAt: testCreatedAt})
	b := Build(sampleRegionMap(), sampleDesc(), BuildConfig{Variant: VariantTiny, CreatedAt: testCreatedAt})

	_, err := Merge(sampleDesc(), testCreatedAt, a, b)
	require.Error(t, err)
}
