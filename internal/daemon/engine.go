// Package daemon wires one process: the singleton lock, the store and
// audit writer, the policy engine with its reload watcher, the channel
// backends, the router, and the background loops that keep prompt state
// honest across restarts.
package daemon

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/channel/desktop"
	"github.com/atlasbridge/atlasbridge/internal/channel/slack"
	"github.com/atlasbridge/atlasbridge/internal/channel/telegram"
	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

const (
	sweepInterval = time.Second
	resumeBudget  = 5 * time.Second
)

// defaultPolicy applies when no policy file is configured: every prompt
// escalates to a human.
const defaultPolicy = `
policy_version: "1"
name: no-policy
autonomy_mode: "off"
`

// RegisterBuiltinChannels installs the built-in backend constructors.
// Called once at startup; the registry stays static afterwards.
func RegisterBuiltinChannels() {
	channel.Register(telegram.Name, telegram.New)
	channel.Register(slack.Name, slack.New)
	channel.Register(desktop.Name, desktop.New)
}

// Engine owns the shared runtime of one process. Sessions attach to it;
// everything else (store, audit, policy, channel, router) is singular.
type Engine struct {
	cfg     *config.Config
	log     *slog.Logger
	conn    *sql.DB
	aud     *audit.Writer
	pol     *policy.Engine
	trace   *policy.Trace
	watcher *policy.Watcher
	ch      channel.Channel
	rt      *router.Router
	release func()

	mu       sync.Mutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options tweak engine construction beyond the config file.
type Options struct {
	// PolicyFile overrides autopilot.policy_file when set.
	PolicyFile string
}

// New acquires the state dir and wires the runtime. The caller must
// invoke Close, which releases the singleton lock.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, types.NewError(types.KindEnvironment, err)
	}
	release, err := AcquireLock(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      logger,
		release:  release,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	if err := e.wire(opts); err != nil {
		release()
		e.closePartial()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire(opts Options) error {
	conn, err := db.Open(e.cfg.Database.Path)
	if err != nil {
		return err
	}
	e.conn = conn

	aud, err := audit.NewWriter(conn, filepath.Join(e.cfg.StateDir, audit.LogFileName), e.log)
	if err != nil {
		return err
	}
	e.aud = aud

	e.trace = policy.NewTrace(e.cfg.StateDir, e.log)

	policyPath := opts.PolicyFile
	if policyPath == "" {
		policyPath = e.cfg.Autopilot.PolicyFile
	}
	pol, err := e.loadPolicy(policyPath)
	if err != nil {
		return err
	}
	e.pol = policy.NewEngine(pol, e.trace, e.log)

	paused, err := db.AutopilotPausedState(conn)
	if err != nil {
		return err
	}
	e.pol.SetPaused(paused)

	ch, err := buildChannel(e.cfg, e.log)
	if err != nil {
		return err
	}
	e.ch = ch

	e.rt = router.New(conn, aud, e.pol, ch, router.Config{
		TTL:               e.cfg.TTL(),
		FreeTextMaxLength: e.cfg.Prompts.FreeTextMaxLength,
	}, e.log)

	if policyPath != "" {
		w, err := policy.NewWatcher(e.pol, policyPath, func(p *policy.Policy) {
			e.append(types.EventPolicyLoaded, "", "", map[string]any{
				"name": p.Name,
				"mode": string(p.Mode),
				"hash": p.Hash(),
			})
		}, e.log)
		if err != nil {
			return err
		}
		e.watcher = w
	}

	e.append(types.EventPolicyLoaded, "", "", map[string]any{
		"name": pol.Name,
		"mode": string(pol.Mode),
		"hash": pol.Hash(),
	})
	return nil
}

func (e *Engine) loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.Parse([]byte(defaultPolicy))
	}
	return policy.Load(path)
}

// buildChannel assembles the relay surface from configuration: the first
// configured interactive backend is primary, everything else mirrors.
func buildChannel(cfg *config.Config, logger *slog.Logger) (channel.Channel, error) {
	var members []channel.Channel
	if cfg.TelegramEnabled() {
		ch, err := channel.New(telegram.Name, channel.Config{
			BotToken:     cfg.Telegram.BotToken,
			ChatID:       cfg.Telegram.ChatID,
			AllowedUsers: cfg.Telegram.AllowedUsers,
		}, logger)
		if err != nil {
			return nil, err
		}
		members = append(members, ch)
	}
	if cfg.SlackEnabled() {
		ch, err := channel.New(slack.Name, channel.Config{
			BotToken:     cfg.Slack.BotToken,
			AppToken:     cfg.Slack.AppToken,
			ChatID:       cfg.Slack.ChannelID,
			AllowedUsers: cfg.Slack.AllowedUsers,
		}, logger)
		if err != nil {
			return nil, err
		}
		members = append(members, ch)
	}
	if cfg.Desktop.Enabled {
		ch, err := channel.New(desktop.Name, channel.Config{}, logger)
		if err != nil {
			return nil, err
		}
		members = append(members, ch)
	}
	switch len(members) {
	case 0:
		return nil, types.Errorf(types.KindConfig,
			"no channel configured; set telegram.bot_token, slack.bot_token, or desktop.enabled")
	case 1:
		return members[0], nil
	default:
		return channel.NewGroup(members[0], members[1:], logger), nil
	}
}

// Start connects the channel, settles state left by a previous process,
// and launches the background loops. It returns once the runtime is
// accepting sessions.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ch.Start(ctx); err != nil {
		return err
	}

	if err := e.recover(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.pumpReplies()

	e.wg.Add(1)
	go e.sweepLoop()

	return nil
}

// recover settles whatever a previous process left behind: sessions
// still marked running are dead to us (the pty master died with the old
// process), and their pending prompts are resent or failed by the
// router's resume pass.
func (e *Engine) recover(ctx context.Context) error {
	running, err := db.ListSessions(e.conn, types.SessionRunning)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		e.append(types.EventDaemonRestarted, "", "", map[string]any{
			"orphaned_sessions": len(running),
			"pid":               os.Getpid(),
		})
	}
	now := time.Now().UnixMilli()
	rctx, cancel := context.WithTimeout(ctx, resumeBudget)
	defer cancel()
	for _, s := range running {
		if err := db.EndSession(e.conn, s.SessionID, types.SessionCrashed, -1, now); err != nil {
			e.log.Error("end orphaned session", "session", s.SessionID, "error", err)
		}
		e.append(types.EventSessionEnded, s.SessionID, "", map[string]any{
			"status": string(types.SessionCrashed),
			"reason": "orphaned by restart",
		})
		// A dead pty cannot take an answer; this also settles prompts
		// whose accepted reply never got injected.
		if err := e.rt.FailSessionPrompts(rctx, s.SessionID, "session_gone"); err != nil {
			e.log.Error("fail orphaned prompts", "session", s.SessionID, "error", err)
		}
	}

	return e.rt.ResumePending(rctx)
}

func (e *Engine) pumpReplies() {
	defer e.wg.Done()
	for in := range e.ch.Replies() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		e.rt.HandleInbound(ctx, in)
		cancel()
	}
}

// sweepLoop expires overdue prompts, mirrors the cross-process pause
// flag into the policy engine, and drains unflushed audit rows.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepInterval)
			if err := e.rt.SweepExpired(ctx); err != nil {
				e.log.Error("sweep expired prompts", "error", err)
			}
			cancel()

			paused, err := db.AutopilotPausedState(e.conn)
			if err != nil {
				e.log.Error("read autopilot state", "error", err)
			} else {
				e.pol.SetPaused(paused)
			}

			if _, err := e.aud.FlushPending(); err != nil {
				e.log.Warn("flush audit mirror", "error", err)
			}
		}
	}
}

// Router exposes the relay core, mainly for sessions and tests.
func (e *Engine) Router() *router.Router { return e.rt }

// Store exposes the open database handle.
func (e *Engine) Store() *sql.DB { return e.conn }

// Policy exposes the live policy engine.
func (e *Engine) Policy() *policy.Engine { return e.pol }

// Channel exposes the relay surface.
func (e *Engine) Channel() channel.Channel { return e.ch }

// Close stops the loops, ends every live session, and releases the
// lock. Safe to call once after a failed Start.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stop) })

	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.Shutdown()
	}

	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	if e.ch != nil {
		_ = e.ch.Close()
	}
	e.wg.Wait()
	e.closePartial()
	if e.release != nil {
		e.release()
	}
	return nil
}

func (e *Engine) closePartial() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

// append writes one audit event; audit failure never unwinds runtime
// state.
func (e *Engine) append(event, sessionID, promptID string, payload map[string]any) {
	if err := e.aud.Append(event, sessionID, promptID, payload); err != nil {
		e.log.Error("audit append failed", "event", event, "error", err)
	}
}
