// Package diskstat probes filesystem free space for the reservation ledger.
package diskstat

// Prober reports the free bytes on the filesystem containing path.
type Prober interface {
	FreeBytes(path string) (int64, error)
}

// Fixed is a Prober returning a constant value, for tests and dry runs.
type Fixed struct {
	Free int64
	Err  error
}

// FreeBytes returns the configured value.
func (f Fixed) FreeBytes(string) (int64, error) {
	if f.Err != nil {
		return 0, f.Err
	}
	return f.Free, nil
}
