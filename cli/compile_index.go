package cli

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/difftest/difftest/difftest"
	"github.com/difftest/difftest/index"
)

func (a *App) compileIndex(cctx *cli.Context) error {
	cfg, err := a.indexBuildConfig(cctx)
	if err != nil {
		return exitForError(err)
	}
	cfg.CreatedAt = time.Now()

	d, err := difftest.Open(cctx.String("dir"), nil)
	if err != nil {
		return exitForError(err)
	}

	desc, err := d.LoadTestDesc()
	if err != nil {
		return exitForError(err)
	}

	if err := d.MergeProfraws(cctx.Context, a.logger, cctx.Bool("force")); err != nil {
		return exitForError(err)
	}

	rm, err := d.ExportCoverage(cctx.Context, a.logger, difftest.ExportConfig{
		IgnoreRegistryFiles: !cctx.Bool("no-ignore-registry-files"),
		OtherBinaries:       cctx.StringSlice("bin"),
		Force:               cctx.Bool("force"),
	})
	if err != nil {
		return exitForError(err)
	}

	ix := index.Build(rm, desc, cfg)

	output := cctx.String("output")
	if output == "" {
		if indexRoot := cctx.String("index-root"); indexRoot != "" {
			root := cctx.String("root")
			if root == "" {
				return cli.Exit("--root is required to remap index paths under --index-root", 2)
			}
			resolver := &difftest.IndexPathResolver{From: root, To: indexRoot}
			if p, ok := resolver.Resolve(d.Dir()); ok {
				output = p
			} else {
				return cli.Exit(fmt.Sprintf("%s is not under --root %s", d.Dir(), root), 2)
			}
		} else {
			output = d.InTreeIndexPath()
		}
	}
	if err := index.Write(ix, output); err != nil {
		return exitForError(err)
	}

	a.logger.Info().
		Str("index", output).
		Str("variant", string(ix.Variant)).
		Int("files", len(ix.Files)).
		Msg("Compiled test index")
	return nil
}
