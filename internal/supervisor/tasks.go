package supervisor

import (
	"errors"
	"io"
	"os"
	"time"
)

// runReader polls the child with a bounded deadline, forwards raw bytes
// to the host terminal, and feeds the detector outside the echo window.
// Raw bytes always reach the host; suppression only starves the matcher.
func (s *Supervisor) runReader(gen int64) {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		if s.readerGen.Load() != gen {
			return
		}
		select {
		case <-s.stop:
			return
		default:
		}
		s.readerBeat.Store(time.Now().UnixNano())

		n, err := s.child.Read(buf, time.Now().Add(s.cfg.ReadDeadline))
		if n > 0 {
			now := time.Now()
			if s.stdout != nil {
				if _, werr := s.stdout.Write(buf[:n]); werr != nil {
					s.log.Warn("host terminal write failed", "error", werr)
				}
			}
			s.lastOutput.Store(now.UnixNano())
			if !s.inEchoWindow(now) {
				_, _ = s.det.Write(buf[:n])
				if cand := s.det.Scan(); cand != nil && s.hooks.OnCandidate != nil {
					s.hooks.OnCandidate(*cand)
				}
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
		case errors.Is(err, io.EOF):
			s.log.Debug("child output closed")
			return
		default:
			s.log.Warn("child read failed", "error", err)
			select {
			case <-time.After(s.cfg.ReadDeadline):
			case <-s.stop:
				return
			}
		}
	}
}

// runRelay copies host stdin into the child, yielding to the injection
// gate per write so injections never interleave with typed input.
func (s *Supervisor) runRelay() {
	defer s.wg.Done()

	// A blocked stdin read cannot be interrupted portably; the feeder
	// exits on the read after stop.
	data := make(chan []byte)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := s.stdin.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case data <- chunk:
				case <-s.stop:
					return
				}
			}
			if err != nil {
				close(data)
				return
			}
		}
	}()

	for {
		select {
		case <-s.stop:
			return
		case chunk, ok := <-data:
			if !ok {
				return
			}
			select {
			case s.gate <- struct{}{}:
			case <-s.stop:
				return
			}
			if _, err := s.child.Write(chunk); err != nil {
				s.log.Warn("stdin relay write failed", "error", err)
			}
			<-s.gate
		}
	}
}

// runWatchdog wakes periodically to raise the stall signal and to police
// the reader's heartbeat.
func (s *Supervisor) runWatchdog() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.WatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()

		if !s.inEchoWindow(now) && s.IdleFor() >= s.cfg.StuckTimeout {
			if cand := s.det.OnStall(); cand != nil && s.hooks.OnCandidate != nil {
				s.hooks.OnCandidate(*cand)
			}
		}

		beatAge := time.Duration(now.UnixNano() - s.readerBeat.Load())
		if beatAge > s.cfg.TaskTimeout {
			s.restarts++
			if s.restarts > s.cfg.RestartBudget {
				s.log.Error("reader restart budget exhausted, terminating child",
					"restarts", s.restarts-1)
				if err := s.child.Kill(); err != nil {
					s.log.Error("kill failed", "error", err)
				}
				return
			}
			s.log.Warn("reader stalled, restarting", "age", beatAge, "restart", s.restarts)
			s.readerBeat.Store(now.UnixNano())
			gen := s.readerGen.Add(1)
			s.wg.Add(1)
			go s.runReader(gen)
		}
	}
}

// runInjector drains the delivery queue. Each injection holds the gate
// from write through settle, then opens the echo window and clears the
// detector so the child's echo is not re-detected as a prompt.
func (s *Supervisor) runInjector() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case inj := <-s.queue:
			err := s.inject(inj)
			if err != nil {
				s.log.Warn("injection failed", "prompt_id", inj.PromptID, "error", err)
			}
			if s.hooks.OnInjected != nil {
				s.hooks.OnInjected(inj.PromptID, err)
			}
		}
	}
}

var errStopped = errors.New("supervisor stopped")

func (s *Supervisor) inject(inj Injection) error {
	select {
	case s.gate <- struct{}{}:
	case <-time.After(s.cfg.InjectTimeout):
		return errors.New("injection gate acquisition timed out")
	case <-s.stop:
		return errStopped
	}
	defer func() { <-s.gate }()

	if _, err := s.child.Write(inj.Bytes); err != nil {
		return err
	}
	select {
	case <-time.After(s.cfg.SettleDelay):
	case <-s.stop:
		return errStopped
	}
	s.echoUntil.Store(time.Now().Add(s.cfg.EchoWindow).UnixNano())
	s.det.Clear()
	return nil
}

// waitExit reports the child's exit exactly once.
func (s *Supervisor) waitExit() {
	defer s.wg.Done()
	select {
	case <-s.child.Done():
		code := s.child.ExitCode()
		s.log.Info("child exited", "pid", s.child.PID(), "exit_code", code)
		if s.hooks.OnExit != nil {
			s.hooks.OnExit(code)
		}
	case <-s.stop:
	}
}
