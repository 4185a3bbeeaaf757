//go:build linux

package daemon

import (
	"fmt"
	"os"
	"strings"
)

// ttyBlockedProbe reports whether pid sits in a blocking terminal read,
// via the kernel wait channel. Read errors (process gone, proc not
// mounted) degrade to false; the probe only ever strengthens a candidate.
func ttyBlockedProbe(pid int) func() bool {
	path := fmt.Sprintf("/proc/%d/wchan", pid)
	return func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		switch strings.TrimSpace(string(data)) {
		case "n_tty_read", "tty_read", "wait_woken":
			return true
		}
		return false
	}
}
