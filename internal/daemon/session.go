package daemon

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/pty"
	"github.com/atlasbridge/atlasbridge/internal/supervisor"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// hookTimeout bounds the store work done from supervisor callbacks.
const hookTimeout = 10 * time.Second

// SessionOptions describe one supervised child.
type SessionOptions struct {
	Tool         string
	Args         []string
	Label        string
	Experimental bool

	// Host terminal ends. Stdin may be nil for a detached session;
	// Stdout may be nil to drop the mirror.
	Stdin  io.Reader
	Stdout io.Writer
}

// Session is one supervised child attached to the engine.
type Session struct {
	Meta types.Session

	engine *Engine
	child  *pty.Handle
	sup    *supervisor.Supervisor

	done     chan struct{}
	exitCode int
	endOnce  sync.Once
}

// StartSession spawns the tool in a pty, registers it with the router,
// and launches its supervision tasks.
func (e *Engine) StartSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	ad := adapter.Get(opts.Tool)
	argv, err := ad.SpawnArgv(opts.Args)
	if err != nil {
		return nil, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	child, err := pty.Spawn(ctx, pty.SpawnOptions{
		Argv:         argv,
		Env:          ad.Env(),
		Experimental: opts.Experimental,
	})
	if err != nil {
		return nil, err
	}

	meta := types.Session{
		SessionID: uuid.NewString(),
		Tool:      ad.Name(),
		Cwd:       cwd,
		Label:     opts.Label,
		PID:       child.PID(),
		Status:    types.SessionRunning,
		StartedAt: time.Now().UnixMilli(),
	}
	meta, err = db.CreateSession(e.conn, meta)
	if err != nil {
		_ = child.Kill()
		_ = child.Close()
		return nil, err
	}
	e.append(types.EventSessionStarted, meta.SessionID, "", map[string]any{
		"tool":  meta.Tool,
		"pid":   meta.PID,
		"label": meta.Label,
		"cwd":   meta.Cwd,
	})

	det := detect.New(e.log, ad.Patterns())
	det.SetTTYBlockedProbe(ttyBlockedProbe(child.PID()))

	s := &Session{
		Meta:   meta,
		engine: e,
		child:  child,
		done:   make(chan struct{}),
	}

	hooks := supervisor.Hooks{
		OnCandidate: func(cand detect.Candidate) {
			hctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			if err := e.rt.HandleCandidate(hctx, meta.SessionID, cand); err != nil {
				e.log.Error("handle candidate", "session", meta.SessionID, "error", err)
			}
		},
		OnInjected: func(promptID string, err error) {
			hctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			e.rt.HandleInjected(hctx, promptID, err)
		},
		OnExit: func(code int) { s.finish(code) },
	}

	s.sup = supervisor.New(child, det, opts.Stdin, opts.Stdout, hooks, supervisor.Config{
		StuckTimeout: e.cfg.StuckTimeout(),
		EchoWindow:   e.cfg.EchoWindow(),
	}, e.log)

	e.rt.AttachSession(meta, ad, s.sup)
	e.mu.Lock()
	e.sessions[meta.SessionID] = s
	e.mu.Unlock()

	s.sup.Start()
	return s, nil
}

// finish settles the session after the child exits: record the exit,
// fail whatever was still pending, and detach from the router.
func (s *Session) finish(code int) {
	s.endOnce.Do(func() {
		s.exitCode = code
		status := types.SessionEnded
		if code != 0 {
			status = types.SessionCrashed
		}
		e := s.engine
		if err := db.EndSession(e.conn, s.Meta.SessionID, status, code, time.Now().UnixMilli()); err != nil {
			e.log.Error("end session", "session", s.Meta.SessionID, "error", err)
		}
		e.append(types.EventSessionEnded, s.Meta.SessionID, "", map[string]any{
			"status":    string(status),
			"exit_code": code,
		})

		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := e.rt.FailSessionPrompts(ctx, s.Meta.SessionID, "session_exited"); err != nil {
			e.log.Error("fail session prompts", "session", s.Meta.SessionID, "error", err)
		}
		e.rt.DetachSession(s.Meta.SessionID)

		e.mu.Lock()
		delete(e.sessions, s.Meta.SessionID)
		e.mu.Unlock()

		close(s.done)
	})
}

// Wait blocks until the child exits or ctx is cancelled, returning the
// exit code.
func (s *Session) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Signal forwards a signal to the child.
func (s *Session) Signal(sig os.Signal) error { return s.child.Signal(sig) }

// Resize adjusts the child's window.
func (s *Session) Resize(cols, rows uint16) error { return s.child.Resize(cols, rows) }

// Handle exposes the pty for terminal plumbing (resize mirroring).
func (s *Session) Handle() *pty.Handle { return s.child }

// Shutdown kills the child and waits for supervision to finish. The
// explicit finish covers the race where Stop wins over the exit hook.
func (s *Session) Shutdown() {
	_ = s.child.Kill()
	select {
	case <-s.child.Done():
	case <-time.After(hookTimeout):
		s.engine.log.Warn("child did not exit after kill", "session", s.Meta.SessionID)
	}
	s.sup.Stop()
	s.finish(s.child.ExitCode())
	_ = s.child.Close()
}
