//go:build windows

package pty

import (
	"context"
	"os"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Handle is a placeholder on Windows; Spawn never constructs one.
type Handle struct{}

// Spawn reports ConPTY as unavailable. Without the experimental flag
// the platform is simply unsupported; with it, the backend is still
// not wired in this build.
func Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if !opts.Experimental {
		return nil, types.Errorf(types.KindEnvironment,
			"windows pty support is experimental; re-run with --experimental")
	}
	return nil, types.Errorf(types.KindEnvironment,
		"conpty backend is not available in this build")
}

func (h *Handle) PID() int                { return 0 }
func (h *Handle) Done() <-chan struct{}   { return nil }
func (h *Handle) ExitCode() int           { return 0 }
func (h *Handle) Wait(ctx context.Context) (int, error) {
	return 0, types.Errorf(types.KindEnvironment, "no pty backend")
}
func (h *Handle) Read(p []byte, deadline time.Time) (int, error) {
	return 0, types.Errorf(types.KindEnvironment, "no pty backend")
}
func (h *Handle) Write(p []byte) (int, error) {
	return 0, types.Errorf(types.KindEnvironment, "no pty backend")
}
func (h *Handle) Resize(cols, rows uint16) error {
	return types.Errorf(types.KindEnvironment, "no pty backend")
}
func (h *Handle) Signal(sig os.Signal) error {
	return types.Errorf(types.KindEnvironment, "no pty backend")
}
func (h *Handle) Kill() error  { return types.Errorf(types.KindEnvironment, "no pty backend") }
func (h *Handle) Close() error { return nil }

// MirrorResize is a no-op on Windows.
func MirrorResize(h *Handle, from *os.File, onError func(error)) (stop func()) {
	return func() {}
}
