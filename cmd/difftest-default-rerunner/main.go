// difftest-default-rerunner re-executes dirty Go tests selected by the
// analysis engine. Each descriptor's extra blob names the package and
// test to run:
//
//	{"pkg": "./pkg/example", "test": "TestAdd"}
//
// The build tag that compiles the test client in is passed as
// -tags=$DIFFTEST_PROFILE (default "difftest"), and
// DIFFTEST_EXTRA_ARGS (comma separated) is forwarded verbatim to
// `go test`.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/difftest/difftest/rerun"
)

// Version information, set by goreleaser via ldflags
var version = "dev"

const (
	profileEnv   = "DIFFTEST_PROFILE"
	extraArgsEnv = "DIFFTEST_EXTRA_ARGS"

	defaultProfile = "difftest"
)

type rerunExtra struct {
	Pkg  string `json:"pkg"`
	Test string `json:"test"`
}

func main() {
	logger := log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339Nano,
	})

	if err := run(logger); err != nil {
		logger.Error().Err(err).Msg("Rerun failed")
		os.Exit(1)
	}
}

func run(logger zerolog.Logger) error {
	if v := os.Getenv(rerun.VersionEnv); v != version {
		return fmt.Errorf("version mismatch: runner is %q, engine sent %q", version, v)
	}

	if len(os.Args) < 2 {
		return fmt.Errorf("missing invocation file argument")
	}

	inv, err := rerun.ReadInvocation(os.Args[1])
	if err != nil {
		return err
	}

	profile := os.Getenv(profileEnv)
	if profile == "" {
		profile = defaultProfile
	}
	extraArgs := rerun.SplitExtraArgs(os.Getenv(extraArgsEnv))

	for _, test := range inv.Tests {
		var extra rerunExtra
		if err := json.Unmarshal(test.Extra, &extra); err != nil {
			return fmt.Errorf("undecodable test extra %s: %w", string(test.Extra), err)
		}
		if extra.Pkg == "" || extra.Test == "" {
			return fmt.Errorf("test extra %s needs pkg and test", string(test.Extra))
		}

		args := []string{"test", "-tags=" + profile}
		args = append(args, extraArgs...)
		args = append(args, "-run", "^"+regexp.QuoteMeta(extra.Test)+"$", extra.Pkg)

		logger.Info().
			Str("command", shellescape.QuoteCommand(append([]string{"go"}, args...))).
			Msg("Rerunning test")

		cmd := exec.Command("go", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return fmt.Errorf("%s %s failed with exit code %d", extra.Pkg, extra.Test, exitErr.ExitCode())
			}
			return fmt.Errorf("failed to run go test: %w", err)
		}
	}

	return nil
}
