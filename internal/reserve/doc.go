// Package reserve accounts free disk space against in-flight download
// reservations. All mutations go through an advisory file lock so that a
// second pipeline instance on the same host observes the same ledger.
package reserve
