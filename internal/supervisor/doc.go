// Package supervisor runs the time-budgeted work loop: pull a candidate,
// dedup it, reserve disk, borrow a browser, execute, record, commit.
package supervisor
