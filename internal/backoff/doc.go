// Package backoff escalates the response to consecutive discovery failures
// through a configurable ladder: keep going, pause, and finally terminate
// the run. The terminal rung latches for the remainder of the run.
package backoff
