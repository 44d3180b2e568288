// Package lockfile wraps advisory file locks with the bounded-wait,
// exponential-retry discipline shared by the reservation ledger and the
// record store. Locks are keyed by the backing file's path and are safe
// against concurrent pipeline instances on the same host.
package lockfile
