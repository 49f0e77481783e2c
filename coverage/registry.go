package coverage

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Toolchain and dependency sources are not expected to change between
// test runs, so files under them are excluded from indices by default.

var (
	registryOnce  sync.Once
	registryRoots []string
)

func registryRootPaths() []string {
	registryOnce.Do(func() {
		add := func(p string) {
			if p == "" {
				return
			}
			registryRoots = append(registryRoots, filepath.ToSlash(p))
		}

		if modCache := os.Getenv("GOMODCACHE"); modCache != "" {
			add(modCache)
		} else if gopath := os.Getenv("GOPATH"); gopath != "" {
			add(filepath.Join(gopath, "pkg", "mod"))
		} else if home, err := os.UserHomeDir(); err == nil {
			add(filepath.Join(home, "go", "pkg", "mod"))
		}

		if goroot := os.Getenv("GOROOT"); goroot != "" {
			add(goroot)
		} else if out, err := exec.Command("go", "env", "GOROOT").Output(); err == nil {
			add(strings.TrimSpace(string(out)))
		}
	})
	return registryRoots
}

// FileIsFromRegistry reports whether path lives under the module cache
// or the toolchain root.
func FileIsFromRegistry(path string) bool {
	p := filepath.ToSlash(path)
	for _, root := range registryRootPaths() {
		if p == root || strings.HasPrefix(p, root+"/") {
			return true
		}
	}
	return false
}

// AcceptFileFunc builds the accept predicate used when folding exports
// and compiling indices.
func AcceptFileFunc(ignoreRegistryFiles bool) func(string) bool {
	if !ignoreRegistryFiles {
		return nil
	}
	return func(path string) bool {
		return !FileIsFromRegistry(path)
	}
}
