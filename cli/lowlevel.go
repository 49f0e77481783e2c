package cli

// This file contains the low-level commands exposing individual steps
// of the analysis pipeline.

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/difftest/difftest/analysis"
	"github.com/difftest/difftest/coverage"
	"github.com/difftest/difftest/difftest"
	"github.com/difftest/difftest/index"
)

func (a *App) lowLevelMergeProfdata(cctx *cli.Context) error {
	d, err := difftest.Open(cctx.String("dir"), nil)
	if err != nil {
		return exitForError(err)
	}
	if err := d.MergeProfraws(cctx.Context, a.logger, cctx.Bool("force")); err != nil {
		return exitForError(err)
	}
	return nil
}

func (a *App) lowLevelExportProfdata(cctx *cli.Context) error {
	d, err := difftest.Open(cctx.String("dir"), nil)
	if err != nil {
		return exitForError(err)
	}
	if !d.HasProfdata() {
		return cli.Exit(fmt.Sprintf("%s: no merged profile; run merge-profdata first", d.Dir()), 2)
	}

	desc, err := d.LoadTestDesc()
	if err != nil {
		return exitForError(err)
	}

	raw, err := coverage.ExportProfdata(cctx.Context, a.logger, d.ProfdataPath(), desc.BinPath, cctx.StringSlice("bin"))
	if err != nil {
		return exitForError(err)
	}

	if _, err := os.Stdout.Write(raw); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	return nil
}

func (a *App) lowLevelRunAnalysis(cctx *cli.Context) error {
	opts, err := a.analyzerOptions(cctx)
	if err != nil {
		return exitForError(err)
	}
	opts.Strategy = analysis.StrategyNever

	analyzer, err := analysis.NewAnalyzer(cctx.Context, a.logger, opts)
	if err != nil {
		return exitForError(err)
	}

	d, err := difftest.Open(cctx.String("dir"), nil)
	if err != nil {
		return exitForError(err)
	}

	res, err := analyzer.AnalyzeOne(cctx.Context, d)
	if err != nil {
		return exitForError(err)
	}
	return printVerdict(res)
}

func (a *App) lowLevelRunAnalysisWithIndex(cctx *cli.Context) error {
	analyzer, _, err := a.newAnalyzer(cctx)
	if err != nil {
		return exitForError(err)
	}

	ix, err := index.Read(cctx.String("index"))
	if err != nil {
		return exitForError(err)
	}

	res, err := analyzer.AnalyzeIndex(ix)
	if err != nil {
		return exitForError(err)
	}
	return printVerdict(res)
}

func (a *App) lowLevelIndexesTouchSameFiles(cctx *cli.Context) error {
	if cctx.NArg() != 2 {
		return cli.Exit("expected exactly two index paths", 2)
	}

	first, err := index.Read(cctx.Args().Get(0))
	if err != nil {
		return exitForError(err)
	}
	second, err := index.Read(cctx.Args().Get(1))
	if err != nil {
		return exitForError(err)
	}

	diffs := index.CompareTouchedFiles(first, second)
	if diffs == nil {
		diffs = []index.TouchDifference{}
	}

	switch action := cctx.String("action"); action {
	case "print":
		return printJSON(diffs)
	case "assert":
		if len(diffs) > 0 {
			if err := json.NewEncoder(os.Stderr).Encode(diffs); err != nil {
				return cli.Exit(err.Error(), 2)
			}
			return cli.Exit("indexes do not touch the same files", 1)
		}
		return nil
	default:
		return cli.Exit(fmt.Sprintf("unknown action %q (want print or assert)", action), 2)
	}
}
