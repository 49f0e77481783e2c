package analysis

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/difftest"
	"github.com/difftest/difftest/index"
)

// writeIndexedTestDir lays out a test directory that analyzes from its
// index alone, touching the given source file.
func writeIndexedTestDir(t *testing.T, dir, sourceFile, name string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))

	desc := descNamed(name)
	descJSON, err := json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, difftest.SelfJSONFilename), descJSON, 0644))

	rm := regionMapOf(map[string][]coverage.Region{
		filepath.ToSlash(sourceFile): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
	})
	ix := index.Build(rm, desc, index.BuildConfig{Variant: index.VariantTiny, CreatedAt: createdAt})
	require.NoError(t, index.Write(ix, filepath.Join(dir, difftest.SelfIndexFilename)))
}

func TestAnalyzeAllFromStoredIndexDirs(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	now := time.Now()

	dirtyFile := filepath.Join(src, "a.c")
	cleanFile := filepath.Join(src, "b.c")
	touch(t, dirtyFile, now.Add(time.Hour))
	touch(t, cleanFile, now.Add(-time.Hour))

	writeIndexedTestDir(t, filepath.Join(root, "t_add"), dirtyFile, "t_add", now)
	writeIndexedTestDir(t, filepath.Join(root, "t_mul"), cleanFile, "t_mul", now)

	analyzer, err := NewAnalyzer(t.Context(), zerolog.Nop(), Options{
		Algo:     AlgoFSMtime,
		Strategy: StrategyIfAvailable,
	})
	require.NoError(t, err)

	results, err := analyzer.AnalyzeAll(t.Context(), root)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Discovery order is sorted by directory
	require.Equal(t, "/bin/t_add", results[0].Desc.BinPath)
	require.Equal(t, VerdictDirty, results[0].Verdict)
	require.Empty(t, results[0].Error)

	require.Equal(t, "/bin/t_mul", results[1].Desc.BinPath)
	require.Equal(t, VerdictClean, results[1].Verdict)
}

func TestAnalyzeAllMarksUndeterminableTestsDirty(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	okFile := filepath.Join(t.TempDir(), "ok.c")
	touch(t, okFile, now.Add(-time.Hour))
	writeIndexedTestDir(t, filepath.Join(root, "a_ok"), okFile, "a_ok", now)

	// A directory with only raw profiles forces the toolchain path,
	// and the merge tool is not available here.
	broken := filepath.Join(root, "b_broken")
	require.NoError(t, os.MkdirAll(broken, 0755))
	descJSON, err := json.Marshal(descNamed("b_broken"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(broken, difftest.SelfJSONFilename), descJSON, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(broken, difftest.SelfProfrawFilename), []byte("raw"), 0644))

	t.Setenv("DIFFTEST_LLVM_PROFDATA", filepath.Join(t.TempDir(), "no-such-tool"))

	analyzer, err := NewAnalyzer(t.Context(), zerolog.Nop(), Options{
		Algo:     AlgoFSMtime,
		Strategy: StrategyIfAvailable,
	})
	require.NoError(t, err)

	results, err := analyzer.AnalyzeAll(t.Context(), root)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Equal(t, VerdictClean, results[0].Verdict)

	// The failure is conservative dirty, never silently dropped
	require.Equal(t, VerdictDirty, results[1].Verdict)
	require.NotEmpty(t, results[1].Error)
	require.Equal(t, "/bin/b_broken", results[1].Desc.BinPath)
}

func TestAnalyzeAllParallel(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	now := time.Now()

	names := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	for i, name := range names {
		file := filepath.Join(src, name+".c")
		if i%2 == 0 {
			touch(t, file, now.Add(time.Hour))
		} else {
			touch(t, file, now.Add(-time.Hour))
		}
		writeIndexedTestDir(t, filepath.Join(root, name), file, name, now)
	}

	analyzer, err := NewAnalyzer(t.Context(), zerolog.Nop(), Options{
		Algo:     AlgoFSMtime,
		Strategy: StrategyIfAvailable,
		Jobs:     4,
	})
	require.NoError(t, err)

	results, err := analyzer.AnalyzeAll(t.Context(), root)
	require.NoError(t, err)
	require.Len(t, results, len(names))

	for i, res := range results {
		require.Equal(t, "/bin/"+names[i], res.Desc.BinPath)
		if i%2 == 0 {
			require.Equal(t, VerdictDirty, res.Verdict)
		} else {
			require.Equal(t, VerdictClean, res.Verdict)
		}
	}
}

func TestAnalyzeGroupUnionsMembers(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	now := time.Now()

	dirtyFile := filepath.Join(src, "a.c")
	cleanFile := filepath.Join(src, "b.c")
	touch(t, dirtyFile, now.Add(time.Hour))
	touch(t, cleanFile, now.Add(-time.Hour))

	writeIndexedTestDir(t, filepath.Join(root, "t_add"), dirtyFile, "t_add", now)
	writeIndexedTestDir(t, filepath.Join(root, "t_mul"), cleanFile, "t_mul", now)

	analyzer, err := NewAnalyzer(t.Context(), zerolog.Nop(), Options{
		Algo:     AlgoFSMtime,
		Strategy: StrategyIfAvailable,
	})
	require.NoError(t, err)

	res, descs, err := analyzer.AnalyzeGroup(t.Context(), root)
	require.NoError(t, err)

	// One member's touched file changed, so the whole group reruns
	require.Equal(t, VerdictDirty, res.Verdict)
	require.Len(t, descs, 2)
	require.Equal(t, "/bin/t_add", descs[0].BinPath)
	require.Equal(t, "/bin/t_mul", descs[1].BinPath)
}

func TestAnalyzeGroupEmptyRootIsClean(t *testing.T) {
	analyzer, err := NewAnalyzer(t.Context(), zerolog.Nop(), Options{Algo: AlgoFSMtime})
	require.NoError(t, err)

	res, descs, err := analyzer.AnalyzeGroup(t.Context(), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, VerdictClean, res.Verdict)
	require.Empty(t, descs)
}

func TestAnalyzeAllFromIndexes(t *testing.T) {
	indexRoot := t.TempDir()
	src := t.TempDir()
	now := time.Now()

	dirtyFile := filepath.Join(src, "a.c")
	cleanFile := filepath.Join(src, "b.c")
	touch(t, dirtyFile, now.Add(time.Hour))
	touch(t, cleanFile, now.Add(-time.Hour))

	write := func(name, file string) {
		rm := regionMapOf(map[string][]coverage.Region{
			filepath.ToSlash(file): {{L1: 1, C1: 1, L2: 2, C2: 1, Count: 1}},
		})
		ix := index.Build(rm, descNamed(name), index.BuildConfig{Variant: index.VariantTiny, CreatedAt: now})
		require.NoError(t, index.Write(ix, filepath.Join(indexRoot, name+".index")))
	}
	write("t_add", dirtyFile)
	write("t_mul", cleanFile)

	analyzer, err := NewAnalyzer(t.Context(), zerolog.Nop(), Options{Algo: AlgoFSMtime})
	require.NoError(t, err)

	results, err := analyzer.AnalyzeAllFromIndexes(t.Context(), indexRoot)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byBin := map[string]Verdict{}
	for _, r := range results {
		byBin[r.Desc.BinPath] = r.Verdict
	}
	require.Equal(t, VerdictDirty, byBin["/bin/t_add"])
	require.Equal(t, VerdictClean, byBin["/bin/t_mul"])
}
