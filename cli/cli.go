package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/difftest/difftest/analysis"
	"github.com/difftest/difftest/rerun"
)

const AppName = "difftest"

// DefaultRoot is where test clients deposit their directories unless
// told otherwise.
const DefaultRoot = ".difftest"

// logLevelEnv overrides the log level, e.g. DIFFTEST_LOG=debug.
const logLevelEnv = "DIFFTEST_LOG"

type App struct {
	logger  zerolog.Logger
	cli     *cli.App
	version string
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger:  logger,
		version: "dev",
		cli: &cli.App{
			Name:  AppName,
			Usage: "Selective re-testing from per-test coverage traces",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				} else if v := os.Getenv(logLevelEnv); v != "" {
					level, err := zerolog.ParseLevel(v)
					if err != nil {
						return fmt.Errorf("invalid %s value %q: %w", logLevelEnv, v, err)
					}
					zerolog.SetGlobalLevel(level)
				}
				return nil
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "discover",
		Usage:  "List the test directories found under a root",
		Action: app.discover,
		Flags: []cli.Flag{
			dirFlag("The root directory the test directories were stored under", DefaultRoot),
			&cli.StringFlag{
				Name:  "index-root",
				Usage: "Directory index files were stored under, if any",
			},
			ignoreIncompatibleFlag(),
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "analyze",
		Usage:  "Analyze a single test directory and print its verdict",
		Action: app.analyze,
		Flags: append([]cli.Flag{
			dirFlag("The test directory to analyze", ""),
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Regenerate intermediary artifacts even when cached",
			},
		}, append(algoFlags(), indexFlags()...)...),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "analyze-all",
		Usage:  "Analyze every test directory under a root",
		Action: app.analyzeAll,
		Flags: append([]cli.Flag{
			dirFlag("The root directory the test directories were stored under", DefaultRoot),
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Regenerate intermediary artifacts even when cached",
			},
			ignoreIncompatibleFlag(),
			&cli.IntFlag{
				Name:  "jobs",
				Usage: "Number of tests to analyze concurrently",
				Value: 1,
			},
		}, append(algoFlags(), append(indexFlags(), actionFlags()...)...)...),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "analyze-group",
		Usage:  "Analyze every test directory under a root as one group",
		Action: app.analyzeGroup,
		Flags: append([]cli.Flag{
			dirFlag("The root directory of the group", DefaultRoot),
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Regenerate intermediary artifacts even when cached",
			},
			ignoreIncompatibleFlag(),
		}, append(algoFlags(), append(indexFlags(), actionFlags()...)...)...),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "compile-index",
		Usage:  "Compile the index for a single test directory",
		Action: app.compileIndex,
		Flags: append([]cli.Flag{
			dirFlag("The test directory to index", ""),
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "File to write the index to (default: self.index in the test directory)",
			},
			indexRootFlag(false),
			&cli.StringFlag{
				Name:  "root",
				Usage: "Root the test directories live under; required to remap index paths",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Regenerate intermediary artifacts even when cached",
			},
		}, indexCompileFlags()...),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "analyze-all-from-index",
		Usage:  "Analyze every stored index under an index root",
		Action: app.analyzeAllFromIndex,
		Flags: append([]cli.Flag{
			indexRootFlag(true),
		}, append(algoFlags(), actionFlags()...)...),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "rerun-dirty-from-indexes",
		Usage:  "Rerun the dirty tests found by analyzing stored indexes",
		Action: app.rerunDirtyFromIndexes,
		Flags: append([]cli.Flag{
			indexRootFlag(true),
			runnerFlag(),
		}, algoFlags()...),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:  "low-level",
		Usage: "Individual steps of the analysis pipeline",
		Subcommands: []*cli.Command{
			{
				Name:   "merge-profdata",
				Usage:  "Merge the raw profile fragments of a test directory",
				Action: app.lowLevelMergeProfdata,
				Flags: []cli.Flag{
					dirFlag("The test directory", ""),
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Merge even when a merged profile already exists",
					},
				},
			},
			{
				Name:   "export-profdata",
				Usage:  "Export the merged profile as coverage JSON on stdout",
				Action: app.lowLevelExportProfdata,
				Flags: []cli.Flag{
					dirFlag("The test directory", ""),
					binFlag(),
					noIgnoreRegistryFlag(),
				},
			},
			{
				Name:   "run-analysis",
				Usage:  "Analyze a test directory straight from its profiling data",
				Action: app.lowLevelRunAnalysis,
				Flags: append([]cli.Flag{
					dirFlag("The test directory", ""),
				}, algoFlags()...),
			},
			{
				Name:   "run-analysis-with-index",
				Usage:  "Analyze a single stored index",
				Action: app.lowLevelRunAnalysisWithIndex,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "index",
						Usage:    "Path to the index file",
						Required: true,
					},
				}, algoFlags()...),
			},
			{
				Name:      "indexes-touch-same-files-report",
				Usage:     "Compare two indexes by the files they touch",
				ArgsUsage: "INDEX1 INDEX2",
				Action:    app.lowLevelIndexesTouchSameFiles,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "action",
						Usage: "What to do with the report: print or assert",
						Value: "print",
					},
				},
			},
		},
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.cli.Version = version
	if commit != "none" && commit != "" {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

func dirFlag(usage, value string) cli.Flag {
	return &cli.StringFlag{
		Name:     "dir",
		Usage:    usage,
		Value:    value,
		Required: value == "",
	}
}

func algoFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "algo",
			Usage: "Change-detection algorithm: fs-mtime, git-diff-files or git-diff-hunks",
			Value: string(analysis.AlgoFSMtime),
		},
		&cli.StringFlag{
			Name:  "commit",
			Usage: "Reference commit for the git-diff algorithms (default: HEAD)",
		},
	}
}

func indexFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:  "index-strategy",
			Usage: "Index usage: never, if-available, always or always-and-clean",
			Value: string(analysis.StrategyNever),
		},
		indexRootFlag(false),
		&cli.StringFlag{
			Name:  "root",
			Usage: "Root the test directories live under; required to remap index paths",
		},
	}, indexCompileFlags()...)
}

func indexCompileFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "full-index",
			Usage: "Keep regions in the index, enabling git-diff-hunks analysis",
		},
		&cli.StringFlag{
			Name:  "flatten-files-to",
			Usage: "Rewrite indexed paths relative to a root; only \"repo-root\" is supported",
		},
		&cli.BoolFlag{
			Name:  "no-remove-bin-path",
			Usage: "Keep the machine-local binary path in the index descriptor",
		},
		noIgnoreRegistryFlag(),
		binFlag(),
	}
}

func indexRootFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:     "index-root",
		Usage:    "Directory the index files are stored under",
		Required: required,
	}
}

func binFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "bin",
		Usage: "Additional instrumented binaries the test spawned",
	}
}

func noIgnoreRegistryFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "no-ignore-registry-files",
		Usage: "Keep files from the module cache and toolchain root",
	}
}

func ignoreIncompatibleFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "ignore-incompatible",
		Usage: "Skip incompatible test directories instead of failing",
	}
}

func actionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "action",
			Usage: "What to do with the results: print, assert-clean or rerun-dirty",
			Value: "print",
		},
		runnerFlag(),
	}
}

func runnerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "runner",
		Usage: "Runner binary for the rerun-dirty action",
		Value: rerun.DefaultRunner,
	}
}
