// Package testclient is the thin pre/post hook linked into test
// binaries. Before a test body runs it creates the test directory and
// records the descriptor; the instrumentation runtime writes the raw
// profile when the process exits.
//
// The client is compiled in only under the "difftest" build tag;
// without it every entry point is a no-op and release builds carry no
// trace of it. Enabled reports which variant is linked.
//
// Counters are process-global: two tests running concurrently in one
// process cross-contaminate each other's profiles. Test drivers must
// serialize tests or fork each into its own process.
package testclient
