// Package supervisor runs one supervised child: it owns the PTY master,
// the four per-session tasks (reader, stdin relay, stall watchdog,
// injector), and the injection gate that serialises every write into the
// child.
package supervisor

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Child is the subset of the pty handle the supervisor drives; tests
// substitute a scripted fake.
type Child interface {
	Read(p []byte, deadline time.Time) (int, error)
	Write(p []byte) (int, error)
	Done() <-chan struct{}
	ExitCode() int
	PID() int
	Kill() error
}

// Config carries the per-session tunables. Zero values fall back to the
// defaults below.
type Config struct {
	ReadDeadline  time.Duration // reader poll bound
	StuckTimeout  time.Duration // silence before the stall signal
	WatchTick     time.Duration // watchdog period
	TaskTimeout   time.Duration // reader heartbeat budget
	RestartBudget int           // reader restarts before termination
	InjectTimeout time.Duration // gate acquisition bound
	SettleDelay   time.Duration // post-write settle
	EchoWindow    time.Duration // detector suppression after injection
	QueueSize     int           // delivery queue bound
}

const (
	defaultReadDeadline  = 50 * time.Millisecond
	defaultStuckTimeout  = 2 * time.Second
	defaultWatchTick     = 500 * time.Millisecond
	defaultTaskTimeout   = 30 * time.Second
	defaultRestartBudget = 3
	defaultInjectTimeout = 5 * time.Second
	defaultSettleDelay   = 100 * time.Millisecond
	defaultEchoWindow    = 500 * time.Millisecond
	defaultQueueSize     = 16
)

func (c Config) withDefaults() Config {
	if c.ReadDeadline <= 0 {
		c.ReadDeadline = defaultReadDeadline
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = defaultStuckTimeout
	}
	if c.WatchTick <= 0 {
		c.WatchTick = defaultWatchTick
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.RestartBudget <= 0 {
		c.RestartBudget = defaultRestartBudget
	}
	if c.InjectTimeout <= 0 {
		c.InjectTimeout = defaultInjectTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.EchoWindow <= 0 {
		c.EchoWindow = defaultEchoWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Hooks are the supervisor's outbound edges, all optional. They are
// called from supervisor goroutines and must not block for long.
type Hooks struct {
	// OnCandidate fires for each fresh detector candidate.
	OnCandidate func(detect.Candidate)
	// OnInjected reports the outcome of a queued injection.
	OnInjected func(promptID string, err error)
	// OnExit fires once when the child exits.
	OnExit func(exitCode int)
}

// Injection is one queued write: the decided prompt and the bytes the
// adapter normalised for it.
type Injection struct {
	PromptID string
	Bytes    []byte
}

// Supervisor coordinates the four tasks of one session.
type Supervisor struct {
	child  Child
	det    *detect.Detector
	hooks  Hooks
	cfg    Config
	log    *slog.Logger
	stdin  io.Reader
	stdout io.Writer

	gate    chan struct{} // capacity 1; send acquires, receive releases
	queue   chan Injection
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	lastOutput atomic.Int64 // unix nanos of last child output
	echoUntil  atomic.Int64 // unix nanos; detector suppressed before this
	readerBeat atomic.Int64 // unix nanos of last reader iteration
	readerGen  atomic.Int64 // current reader generation
	restarts   int          // watchdog-only
}

// New wires a supervisor around a spawned child. stdin/stdout are the
// host terminal ends; either may be nil to disable relaying mirroring.
func New(child Child, det *detect.Detector, stdin io.Reader, stdout io.Writer, hooks Hooks, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Supervisor{
		child:  child,
		det:    det,
		hooks:  hooks,
		cfg:    cfg,
		log:    logger.With("component", "supervisor"),
		stdin:  stdin,
		stdout: stdout,
		gate:   make(chan struct{}, 1),
		queue:  make(chan Injection, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
	s.lastOutput.Store(time.Now().UnixNano())
	s.readerBeat.Store(time.Now().UnixNano())
	return s
}

// Start launches the session tasks. It returns immediately; the tasks
// run until the child exits or Stop is called.
func (s *Supervisor) Start() {
	gen := s.readerGen.Add(1)
	s.wg.Add(1)
	go s.runReader(gen)

	if s.stdin != nil {
		s.wg.Add(1)
		go s.runRelay()
	}

	s.wg.Add(1)
	go s.runWatchdog()

	s.wg.Add(1)
	go s.runInjector()

	s.wg.Add(1)
	go s.waitExit()
}

// Stop halts all tasks and waits for them. It does not close or kill the
// child; that is the caller's shutdown decision.
func (s *Supervisor) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Enqueue queues one injection. The queue is bounded; a full queue is a
// resource error rather than a blocked caller.
func (s *Supervisor) Enqueue(promptID string, data []byte) error {
	select {
	case s.queue <- Injection{PromptID: promptID, Bytes: data}:
		return nil
	default:
		return types.Errorf(types.KindResource, "injection queue full (%d pending)", cap(s.queue))
	}
}

// Snapshot returns the stripped output tail, for the ambiguity
// protocol's show-output affordance.
func (s *Supervisor) Snapshot() string { return s.det.Snapshot() }

// IdleFor reports how long the child has been silent.
func (s *Supervisor) IdleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastOutput.Load())
}

func (s *Supervisor) inEchoWindow(now time.Time) bool {
	return now.UnixNano() < s.echoUntil.Load()
}
