// Package api exposes the operational HTTP surface: health probes, the
// Prometheus metrics endpoint, and a read-only run-status snapshot.
package api
