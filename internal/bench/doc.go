// Package bench runs a query catalog against a set of backend clients and
// records one Sample per (run, backend).
//
// Execution is strictly sequential: queries run one at a time, and within a
// run the clients are called one after another with the same reference
// timestamp so every backend resolves the same wall-clock window. A blocking
// sleep paces consecutive runs. Failed calls are recorded and never stop the
// remaining runs.
//
// For each backend only the most recent successful ResultSet is kept; earlier
// runs contribute latency samples only.
package bench
