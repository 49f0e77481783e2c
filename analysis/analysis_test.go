package analysis

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/index"
	"github.com/difftest/difftest/model"
)

func descNamed(name string) model.TestDesc {
	return model.TestDesc{
		BinPath: "/bin/" + name,
		Extra:   json.RawMessage(`{"test":"` + name + `"}`),
	}
}

func regionMapOf(files map[string][]coverage.Region) coverage.RegionMap {
	rm := coverage.RegionMap{}
	for f, regions := range files {
		rm[f] = &coverage.FileCoverage{Regions: regions}
	}
	return rm
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		require.NoError(t, os.WriteFile(path, []byte("line;\nline;\nline;\n"), 0644))
	}
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

// Two tests touching disjoint files; one file is modified after the
// reference time.
func TestRunMtimeSelectsOnlyAffectedTest(t *testing.T) {
	dir := t.TempDir()
	refTime := time.Now().Add(-time.Hour)

	fileA := filepath.Join(dir, "a.c")
	fileB := filepath.Join(dir, "b.c")
	touch(t, fileA, refTime.Add(time.Second))
	touch(t, fileB, refTime.Add(-time.Minute))

	det := NewMtimeDetector(refTime)

	tAdd := FromRegionMap(descNamed("t_add"), regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(fileA): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
	}))
	tMul := FromRegionMap(descNamed("t_mul"), regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(fileB): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
	}))

	resAdd, err := tAdd.Run(det)
	require.NoError(t, err)
	require.Equal(t, VerdictDirty, resAdd.Verdict)
	require.Equal(t, []string{filepath.ToSlash(fileA)}, resAdd.Evidence)

	resMul, err := tMul.Run(det)
	require.NoError(t, err)
	require.Equal(t, VerdictClean, resMul.Verdict)
	require.Empty(t, resMul.Evidence)
}

// A touched set that is a superset of a dirty test's is itself dirty.
func TestRunTouchedSetMonotonicity(t *testing.T) {
	dir := t.TempDir()
	refTime := time.Now().Add(-time.Hour)

	fileA := filepath.Join(dir, "a.c")
	fileB := filepath.Join(dir, "b.c")
	touch(t, fileA, refTime.Add(time.Second))
	touch(t, fileB, refTime.Add(-time.Minute))

	det := NewMtimeDetector(refTime)

	sub := FromRegionMap(descNamed("u"), regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(fileA): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
	}))
	super := FromRegionMap(descNamed("t"), regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(fileA): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
		filepath.ToSlash(fileB): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
	}))

	resSub, err := sub.Run(det)
	require.NoError(t, err)
	resSuper, err := super.Run(det)
	require.NoError(t, err)

	require.Equal(t, VerdictDirty, resSub.Verdict)
	require.Equal(t, VerdictDirty, resSuper.Verdict)
}

func TestRunHunksVerdicts(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.c")
	require.NoError(t, os.WriteFile(file, []byte(makeLines(100)), 0644))

	// Single-line edit at line 42
	det := hunkDetector(dir, map[string][]Hunk{
		file: {{NewStart: 42, NewLines: 1}},
	})

	intersecting := FromRegionMap(descNamed("t_add"), regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(file): {
			{L1: 10, C1: 1, L2: 20, C2: 1, Count: 1},
			{L1: 40, C1: 1, L2: 45, C2: 1, Count: 1},
		},
	}))
	outside := FromRegionMap(descNamed("t_add2"), regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(file): {{L1: 10, C1: 1, L2: 20, C2: 1, Count: 1}},
	}))

	res, err := intersecting.Run(det)
	require.NoError(t, err)
	require.Equal(t, VerdictDirty, res.Verdict)
	require.Equal(t, []string{filepath.ToSlash(file) + ":40-45"}, res.Evidence)

	res, err = outside.Run(det)
	require.NoError(t, err)
	require.Equal(t, VerdictClean, res.Verdict)
}

func makeLines(n int) string {
	b := make([]byte, 0, n*6)
	for i := 0; i < n; i++ {
		b = append(b, []byte("line;\n")...)
	}
	return string(b)
}

func TestRunTinyIndexRejectsHunks(t *testing.T) {
	ix := &index.TestIndex{
		V:       index.FormatVersion,
		Variant: index.VariantTiny,
		Desc:    descNamed("t"),
		Files:   []string{"/repo/a.c"},
	}

	cx := FromIndex(ix, "")
	_, err := cx.Run(hunkDetector("/repo", nil))
	require.ErrorIs(t, err, index.ErrVariantMismatch)
}

// Tiny and full indices derived from the same region map agree under
// the file-granular algorithms.
func TestRunTinyFullConsistency(t *testing.T) {
	dir := t.TempDir()
	refTime := time.Now().Add(-time.Hour)

	fileA := filepath.Join(dir, "a.c")
	fileB := filepath.Join(dir, "b.c")
	touch(t, fileA, refTime.Add(time.Second))
	touch(t, fileB, refTime.Add(-time.Minute))

	rm := regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(fileA): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
		filepath.ToSlash(fileB): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
	})

	createdAt := time.Now()
	tiny := index.Build(rm, descNamed("t"), index.BuildConfig{Variant: index.VariantTiny, CreatedAt: createdAt})
	full := index.Build(rm, descNamed("t"), index.BuildConfig{Variant: index.VariantFull, CreatedAt: createdAt})

	det := NewMtimeDetector(refTime)

	fromMap, err := FromRegionMap(descNamed("t"), rm).Run(det)
	require.NoError(t, err)
	fromTiny, err := FromIndex(tiny, "").Run(det)
	require.NoError(t, err)
	fromFull, err := FromIndex(full, "").Run(det)
	require.NoError(t, err)

	require.Equal(t, VerdictDirty, fromMap.Verdict)
	require.Equal(t, fromMap.Verdict, fromTiny.Verdict)
	require.Equal(t, fromMap.Verdict, fromFull.Verdict)
}

// The union of two touched sets is dirty iff either member is.
func TestGroupUnionVerdict(t *testing.T) {
	dir := t.TempDir()
	refTime := time.Now().Add(-time.Hour)

	fileA := filepath.Join(dir, "a.c")
	fileB := filepath.Join(dir, "b.c")
	touch(t, fileA, refTime.Add(time.Second))
	touch(t, fileB, refTime.Add(-time.Minute))

	rmA := regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(fileA): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
	})
	rmB := regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(fileB): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
	})

	det := NewMtimeDetector(refTime)

	resA, err := FromRegionMap(descNamed("a"), rmA).Run(det)
	require.NoError(t, err)
	resB, err := FromRegionMap(descNamed("b"), rmB).Run(det)
	require.NoError(t, err)

	union := coverage.RegionMap{}
	union.Merge(rmA)
	union.Merge(rmB)
	resUnion, err := FromRegionMap(descNamed("group"), union).Run(det)
	require.NoError(t, err)

	wantDirty := resA.Verdict == VerdictDirty || resB.Verdict == VerdictDirty
	require.Equal(t, wantDirty, resUnion.Verdict == VerdictDirty)
	require.Equal(t, VerdictDirty, resUnion.Verdict)
}

func TestFromIndexResolvesFlattenedPaths(t *testing.T) {
	root := t.TempDir()
	refTime := time.Now().Add(-time.Hour)

	file := filepath.Join(root, "src", "a.c")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0755))
	touch(t, file, refTime.Add(-time.Minute))

	ix := &index.TestIndex{
		V:           index.FormatVersion,
		Variant:     index.VariantTiny,
		CreatedAt:   refTime,
		Desc:        descNamed("t"),
		FlattenRoot: "/somewhere/else",
		Files:       []string{"src/a.c"},
	}

	// The configured root wins over the recorded flatten root
	cx := FromIndex(ix, root)
	require.Equal(t, []string{filepath.ToSlash(file)}, cx.TouchedFiles())

	res, err := cx.Run(NewMtimeDetector(refTime))
	require.NoError(t, err)
	require.Equal(t, VerdictClean, res.Verdict)
}

func TestRunEvidenceTruncation(t *testing.T) {
	refTime := time.Now().Add(-time.Hour)

	files := map[string][]coverage.Region{}
	for i := 0; i < maxEvidence+5; i++ {
		// All missing, therefore all changed
		name := filepath.Join(t.TempDir(), "missing.c")
		files[filepath.ToSlash(name)] = []coverage.Region{{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}}
	}

	res, err := FromRegionMap(descNamed("t"), regionMapOf(files)).Run(NewMtimeDetector(refTime))
	require.NoError(t, err)
	require.Equal(t, VerdictDirty, res.Verdict)
	require.Len(t, res.Evidence, maxEvidence)
	require.True(t, res.EvidenceTruncated)
}

// For fixed inputs the verdict and evidence are identical across runs.
func TestRunDeterminism(t *testing.T) {
	dir := t.TempDir()
	refTime := time.Now().Add(-time.Hour)

	var files = map[string][]coverage.Region{}
	for _, name := range []string{"a.c", "b.c", "c.c"} {
		p := filepath.Join(dir, name)
		touch(t, p, refTime.Add(time.Second))
		files[filepath.ToSlash(p)] = []coverage.Region{{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}}
	}

	first, err := FromRegionMap(descNamed("t"), regionMapOf(files)).Run(NewMtimeDetector(refTime))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := FromRegionMap(descNamed("t"), regionMapOf(files)).Run(NewMtimeDetector(refTime))
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}
