//go:build unix

package diskstat

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// System probes the live filesystem via statfs(2).
type System struct{}

// FreeBytes reports the bytes available to unprivileged callers on the
// filesystem containing path.
func (System) FreeBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
