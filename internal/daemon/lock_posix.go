//go:build !windows

package daemon

import "syscall"

// pidAlive probes with signal 0; it reports true while the process (or a
// recycled pid) can still receive signals from us.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
