// Package recordstore persists completed-item records keyed by normalized
// URL. Three providers share the same contract: a file store guarded by
// advisory locks for single-host deployments, a Postgres store for shared
// deployments, and an in-memory store for tests and dry runs.
//
// Key normalization happens inside every provider, on both the write and
// lookup sides, so no caller can introduce an asymmetric comparison.
package recordstore
