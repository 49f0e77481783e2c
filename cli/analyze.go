package cli

// This file contains the analysis commands: single-test, batch, group,
// and index-only analysis, plus the shared result-action handling.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/difftest/difftest/analysis"
	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/difftest"
	"github.com/difftest/difftest/index"
	"github.com/difftest/difftest/rerun"
)

// Exit codes: 0 clean/success, 1 dirty, 2 usage or I/O, 3 external
// tool failure. Runner failures propagate the runner's own code.
func exitForError(err error) error {
	var exportErr *coverage.ExportError
	if errors.As(err, &exportErr) {
		return cli.Exit(err.Error(), 3)
	}
	var runnerErr *rerun.RunnerError
	if errors.As(err, &runnerErr) {
		return cli.Exit(err.Error(), runnerErr.ExitCode)
	}
	return cli.Exit(err.Error(), 2)
}

// analyzerOptions folds the shared flags into analysis options.
func (a *App) analyzerOptions(cctx *cli.Context) (analysis.Options, error) {
	opts := analysis.Options{
		Commit:             cctx.String("commit"),
		Force:              cctx.Bool("force"),
		IgnoreIncompatible: cctx.Bool("ignore-incompatible"),
		Jobs:               cctx.Int("jobs"),
		Strategy:           analysis.StrategyNever,
		Export: difftest.ExportConfig{
			IgnoreRegistryFiles: !cctx.Bool("no-ignore-registry-files"),
			OtherBinaries:       cctx.StringSlice("bin"),
		},
	}

	algo, err := analysis.ParseAlgo(cctx.String("algo"))
	if err != nil {
		return analysis.Options{}, err
	}
	opts.Algo = algo

	if s := cctx.String("index-strategy"); s != "" {
		strategy, err := analysis.ParseIndexStrategy(s)
		if err != nil {
			return analysis.Options{}, err
		}
		opts.Strategy = strategy
	}

	opts.IndexBuild, err = a.indexBuildConfig(cctx)
	if err != nil {
		return analysis.Options{}, err
	}

	if indexRoot := cctx.String("index-root"); indexRoot != "" && opts.Strategy != analysis.StrategyNever {
		root := cctx.String("root")
		if root == "" {
			return analysis.Options{}, errors.New("--root is required to remap index paths under --index-root")
		}
		opts.Resolver = &difftest.IndexPathResolver{From: root, To: indexRoot}
	}

	// Flattened index paths resolve against the enclosing repository,
	// when there is one.
	if root, err := analysis.RepoRoot(cctx.Context); err == nil {
		opts.ResolveRoot = root
	}

	return opts, nil
}

func (a *App) indexBuildConfig(cctx *cli.Context) (index.BuildConfig, error) {
	cfg := index.BuildConfig{
		Variant:       index.VariantTiny,
		RemoveBinPath: !cctx.Bool("no-remove-bin-path"),
	}
	if cctx.Bool("full-index") {
		cfg.Variant = index.VariantFull
	}

	switch target := cctx.String("flatten-files-to"); target {
	case "":
	case "repo-root":
		root, err := analysis.RepoRoot(cctx.Context)
		if err != nil {
			return index.BuildConfig{}, err
		}
		cfg.FlattenRoot = root
	default:
		return index.BuildConfig{}, fmt.Errorf("unknown --flatten-files-to target %q (want repo-root)", target)
	}

	return cfg, nil
}

func (a *App) newAnalyzer(cctx *cli.Context) (*analysis.Analyzer, analysis.Options, error) {
	opts, err := a.analyzerOptions(cctx)
	if err != nil {
		return nil, analysis.Options{}, err
	}
	analyzer, err := analysis.NewAnalyzer(cctx.Context, a.logger, opts)
	if err != nil {
		return nil, analysis.Options{}, err
	}
	return analyzer, opts, nil
}

func (a *App) discover(cctx *cli.Context) error {
	var resolver *difftest.IndexPathResolver
	if indexRoot := cctx.String("index-root"); indexRoot != "" {
		resolver = &difftest.IndexPathResolver{From: cctx.String("dir"), To: indexRoot}
	}

	discovered, err := difftest.Discover(a.logger, cctx.String("dir"), difftest.DiscoverOptions{
		IgnoreIncompatible: cctx.Bool("ignore-incompatible"),
		Resolver:           resolver,
	})
	if err != nil {
		return exitForError(err)
	}

	dirs := make([]string, 0, len(discovered))
	for _, d := range discovered {
		dirs = append(dirs, d.Dir())
	}
	return printJSON(dirs)
}

func (a *App) analyze(cctx *cli.Context) error {
	analyzer, opts, err := a.newAnalyzer(cctx)
	if err != nil {
		return exitForError(err)
	}

	d, err := difftest.Open(cctx.String("dir"), opts.Resolver)
	if err != nil {
		return exitForError(err)
	}

	res, err := analyzer.AnalyzeOne(cctx.Context, d)
	if err != nil {
		return exitForError(err)
	}

	return printVerdict(res)
}

func printVerdict(res analysis.Result) error {
	fmt.Println(res.Verdict)
	if res.Verdict == analysis.VerdictDirty {
		return cli.Exit("", 1)
	}
	return nil
}

func (a *App) analyzeAll(cctx *cli.Context) error {
	analyzer, _, err := a.newAnalyzer(cctx)
	if err != nil {
		return exitForError(err)
	}

	results, err := analyzer.AnalyzeAll(cctx.Context, cctx.String("dir"))
	if err != nil {
		return exitForError(err)
	}

	if err := a.performAction(cctx, results); err != nil {
		return err
	}
	if cctx.String("action") == "rerun-dirty" {
		// The rerun overwrote the affected directories; bring their
		// indexes back in line.
		analyzer.RefreshIndexes(cctx.Context, cctx.String("dir"))
	}
	return nil
}

func (a *App) analyzeGroup(cctx *cli.Context) error {
	analyzer, _, err := a.newAnalyzer(cctx)
	if err != nil {
		return exitForError(err)
	}

	res, descs, err := analyzer.AnalyzeGroup(cctx.Context, cctx.String("dir"))
	if err != nil {
		return exitForError(err)
	}

	switch cctx.String("action") {
	case "rerun-dirty":
		if res.Verdict != analysis.VerdictDirty {
			a.logger.Info().Msg("Group is clean; runner not invoked")
			return nil
		}
		// Dirty means every member reruns.
		inv := rerun.Invocation{Tests: descs}
		if err := rerun.Invoke(cctx.Context, a.logger, cctx.String("runner"), a.version, inv); err != nil {
			return exitForError(err)
		}
		analyzer.RefreshIndexes(cctx.Context, cctx.String("dir"))
		return nil
	default:
		return printVerdict(res)
	}
}

func (a *App) analyzeAllFromIndex(cctx *cli.Context) error {
	analyzer, _, err := a.newAnalyzer(cctx)
	if err != nil {
		return exitForError(err)
	}

	results, err := analyzer.AnalyzeAllFromIndexes(cctx.Context, cctx.String("index-root"))
	if err != nil {
		return exitForError(err)
	}

	return a.performAction(cctx, results)
}

func (a *App) rerunDirtyFromIndexes(cctx *cli.Context) error {
	analyzer, _, err := a.newAnalyzer(cctx)
	if err != nil {
		return exitForError(err)
	}

	results, err := analyzer.AnalyzeAllFromIndexes(cctx.Context, cctx.String("index-root"))
	if err != nil {
		return exitForError(err)
	}

	if err := a.rerunDirty(cctx, results); err != nil {
		return err
	}
	return nil
}

// performAction handles the --action flag shared by the batch
// commands.
func (a *App) performAction(cctx *cli.Context, results []analysis.Result) error {
	if results == nil {
		results = []analysis.Result{}
	}

	switch action := cctx.String("action"); action {
	case "print":
		return printJSON(results)

	case "assert-clean":
		dirty := 0
		for _, r := range results {
			if r.Verdict == analysis.VerdictDirty {
				dirty++
				fmt.Fprintf(os.Stderr, "dirty: %s\n", describeResult(r))
			}
		}
		if dirty > 0 {
			return cli.Exit(fmt.Sprintf("%d of %d tests are dirty", dirty, len(results)), 1)
		}
		return nil

	case "rerun-dirty":
		return a.rerunDirty(cctx, results)

	default:
		return cli.Exit(fmt.Sprintf("unknown action %q (want print, assert-clean or rerun-dirty)", action), 2)
	}
}

func (a *App) rerunDirty(cctx *cli.Context, results []analysis.Result) error {
	inv := rerun.Invocation{}
	for _, r := range results {
		if r.Verdict == analysis.VerdictDirty {
			inv.Tests = append(inv.Tests, r.Desc)
		}
	}

	if err := rerun.Invoke(cctx.Context, a.logger, cctx.String("runner"), a.version, inv); err != nil {
		return exitForError(err)
	}
	return nil
}

func describeResult(r analysis.Result) string {
	name := r.Desc.BinPath
	if name == "" {
		name = string(r.Desc.Extra)
	}
	if r.Error != "" {
		return fmt.Sprintf("%s (analysis failed: %s)", name, r.Error)
	}
	return name
}

// printJSON emits the value on stdout; verdict data is the command's
// output, diagnostics stay on stderr.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	return nil
}
