//go:build !difftest

package testclient

import "github.com/difftest/difftest/model"

// Enabled reports that the test client is compiled out.
const Enabled = false

// Env is inert without the "difftest" build tag.
type Env struct{}

// Init is a no-op without the "difftest" build tag.
func Init(dir string, desc model.TestDesc) (*Env, error) {
	return &Env{}, nil
}

// Dir returns "" when the client is compiled out.
func (e *Env) Dir() string { return "" }

// EnvForChildren returns nothing when the client is compiled out.
func (e *Env) EnvForChildren() []string { return nil }

// Close is a no-op without the "difftest" build tag.
func (e *Env) Close() error { return nil }
