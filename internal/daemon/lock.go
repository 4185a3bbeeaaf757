package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// LockFileName is the singleton lock inside the state dir.
const LockFileName = "atlasbridge.lock"

// LockInfo is the lock file payload.
type LockInfo struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at"`
}

// AcquireLock claims the state dir for this process. A lock held by a
// live process is an environment error; a stale lock left by a dead one
// is replaced silently.
func AcquireLock(dir string) (release func(), err error) {
	path := filepath.Join(dir, LockFileName)
	if data, rerr := os.ReadFile(path); rerr == nil {
		var info LockInfo
		if json.Unmarshal(data, &info) == nil && info.PID > 0 && pidAlive(info.PID) {
			return nil, types.Errorf(types.KindEnvironment,
				"another instance is running (pid %d); stop it or remove %s", info.PID, path)
		}
	}

	info := LockInfo{PID: os.Getpid(), StartedAt: time.Now().Unix()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, types.NewError(types.KindEnvironment, err)
	}
	return func() { _ = os.Remove(path) }, nil
}

// IsLocked reports whether a live process holds the state dir.
func IsLocked(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		return false
	}
	var info LockInfo
	if json.Unmarshal(data, &info) != nil {
		return false
	}
	return info.PID > 0 && pidAlive(info.PID)
}
