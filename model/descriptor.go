package model

import "encoding/json"

// TestDesc describes a single test invocation.
//
// Only BinPath is interpreted by the engine; it is the binary the
// coverage metadata is read from. Extra is an opaque blob supplied by
// the test client and carried verbatim through analysis and rerun so
// that the external runner can decode test identity.
type TestDesc struct {
	// Absolute path of the test executable
	BinPath string `json:"bin_path"`
	// Opaque runner-owned payload, preserved byte-for-byte
	Extra json.RawMessage `json:"extra,omitempty"`
}
