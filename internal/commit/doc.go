// Package commit publishes locally-accumulated record state to a shared
// remote store of record. Conflicts are resolved by reloading the remote,
// merging the local change set on top, and retrying; transient failures back
// off exponentially. When every attempt fails, the change set is preserved
// in a timestamped fallback file rather than discarded.
package commit
