//go:build !windows

package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Handle owns a running child and the master side of its pty.
// The master fd is the single write path into the child; callers
// serialise writes above this layer.
type Handle struct {
	cmd    *exec.Cmd
	master *os.File

	mu       sync.Mutex
	exitCode int
	waitErr  error
	done     chan struct{}
}

// Spawn starts opts.Argv attached to a new pseudoterminal sized to
// opts. The child is reaped by a background goroutine; Done is closed
// once the exit status is recorded.
func Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if len(opts.Argv) == 0 {
		return nil, types.Errorf(types.KindEnvironment, "spawn: empty argv")
	}

	cmd := exec.CommandContext(ctx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	cols, rows := opts.size()
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, types.NewError(types.KindEnvironment, fmt.Errorf("spawn %s: %w", opts.Argv[0], err))
	}

	h := &Handle{
		cmd:    cmd,
		master: master,
		done:   make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = 1
			}
		}
		h.mu.Lock()
		h.exitCode = code
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// PID returns the child's process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done is closed once the child has exited and its status is recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the child's exit code. Valid only after Done.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Wait blocks until the child exits or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.ExitCode(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Read reads from the master with a deadline. A read on the master
// after the child has exited surfaces EIO on Linux; that is reported
// as io.EOF. Deadline expiry surfaces os.ErrDeadlineExceeded.
func (h *Handle) Read(p []byte, deadline time.Time) (int, error) {
	if err := h.master.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}
	n, err := h.master.Read(p)
	if err != nil && errors.Is(err, unix.EIO) {
		return n, io.EOF
	}
	return n, err
}

// Write writes p to the master in full.
func (h *Handle) Write(p []byte) (int, error) {
	return h.master.Write(p)
}

// Resize sets the child's window size.
func (h *Handle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.master, &pty.Winsize{Cols: cols, Rows: rows})
}

// Signal delivers sig to the child.
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// Kill force-terminates the child.
func (h *Handle) Kill() error {
	return h.cmd.Process.Kill()
}

// Close closes the master fd. The child sees HUP on its controlling
// terminal if it is still running.
func (h *Handle) Close() error {
	err := h.master.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// MirrorResize propagates the host terminal's window size to the child
// on every SIGWINCH, and once immediately. It returns a stop function.
// from must be the host terminal (normally os.Stdin).
func MirrorResize(h *Handle, from *os.File, onError func(error)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	doneCh := make(chan struct{})

	go func() {
		for {
			select {
			case <-ch:
				if err := pty.InheritSize(from, h.master); err != nil && onError != nil {
					onError(err)
				}
			case <-doneCh:
				return
			}
		}
	}()
	ch <- unix.SIGWINCH

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(doneCh)
		})
	}
}
