//go:build windows

package daemon

// pidAlive always reports false; there is no supported pty backend on
// Windows yet, so a leftover lock is never a live instance.
func pidAlive(int) bool { return false }
