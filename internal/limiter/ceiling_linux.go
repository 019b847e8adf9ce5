//go:build linux

package limiter

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyHardCeiling caps the address space of this process and every child it
// starts. Exceeding it makes allocations fail, which ends the whole run.
func ApplyHardCeiling(bytes int64) error {
	if bytes <= 0 {
		return fmt.Errorf("invalid ceiling %d", bytes)
	}
	lim := &unix.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	if err := unix.Setrlimit(unix.RLIMIT_AS, lim); err != nil {
		return fmt.Errorf("setrlimit RLIMIT_AS: %w", err)
	}
	return nil
}
