//go:build !linux

package daemon

// ttyBlockedProbe has no platform backend here; the detector runs on the
// pattern and stall signals alone.
func ttyBlockedProbe(int) func() bool {
	return func() bool { return false }
}
