//go:build difftest

package testclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/difftest/difftest/difftest"
	"github.com/difftest/difftest/model"
)

// Enabled reports that the test client is compiled in.
const Enabled = true

// childProfileTemplate keeps subprocess profiles from clobbering each
// other; the instrumentation runtime expands %m and %p.
const childProfileTemplate = "%m_%p.profraw"

// Env is a live test directory. It is valid from Init until the test
// process exits.
type Env struct {
	dir             string
	selfProfile     string
	childEnvName    string
	childEnvValue   string
	restoreProfile  string
	hadProfileValue bool
}

// Init creates (or re-creates) the test directory for one test
// invocation and points the instrumentation runtime at it. The
// directory is deleted first: a rerun of the same test owns the same
// directory.
func Init(dir string, desc model.TestDesc) (*Env, error) {
	if desc.BinPath == "" {
		return nil, fmt.Errorf("test descriptor needs a bin_path")
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	selfProfile := filepath.Join(dir, difftest.SelfProfrawFilename)
	if err := os.WriteFile(selfProfile, nil, 0644); err != nil {
		return nil, err
	}

	descJSON, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, difftest.SelfJSONFilename), descJSON, 0644); err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(dir, difftest.VersionFilename), []byte(difftest.DataFormatVersion), 0644); err != nil {
		return nil, err
	}

	e := &Env{
		dir:           dir,
		selfProfile:   selfProfile,
		childEnvName:  "LLVM_PROFILE_FILE",
		childEnvValue: filepath.Join(dir, childProfileTemplate),
	}

	// Route this process's counters (and any children started before
	// EnvForChildren is consulted) into the test directory.
	e.restoreProfile, e.hadProfileValue = os.LookupEnv(e.childEnvName)
	if err := os.Setenv(e.childEnvName, e.selfProfile); err != nil {
		return nil, err
	}

	return e, nil
}

// Dir returns the test directory.
func (e *Env) Dir() string { return e.dir }

// EnvForChildren returns the environment entries subprocesses need so
// their counters land in the same test directory.
func (e *Env) EnvForChildren() []string {
	return []string{e.childEnvName + "=" + e.childEnvValue}
}

// Close restores the process environment. The profile itself is
// flushed by the instrumentation runtime at process exit.
func (e *Env) Close() error {
	if e.hadProfileValue {
		return os.Setenv(e.childEnvName, e.restoreProfile)
	}
	return os.Unsetenv(e.childEnvName)
}
