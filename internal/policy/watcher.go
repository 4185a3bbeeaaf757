package policy

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher hot-reloads the policy file on change. A failed load keeps the
// previous policy live; only a document that passes the full load
// pipeline is swapped in.
type Watcher struct {
	engine  *Engine
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	onSwap  func(*Policy)

	mu       sync.Mutex
	debounce *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher watches path's directory (editors replace files rather than
// writing in place) and reloads after a debounce interval. onSwap runs
// after each successful swap; callers use it to audit policy_loaded.
func NewWatcher(engine *Engine, path string, onSwap func(*Policy), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		engine:  engine,
		path:    filepath.Clean(path),
		watcher: fsw,
		logger:  logger.With("component", "policy-watcher"),
		onSwap:  onSwap,
		stopCh:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
		w.scheduleReload()
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	p, err := Load(w.path)
	if err != nil {
		w.logger.Error("policy reload failed, keeping previous policy",
			"path", w.path, "error", err)
		return
	}
	if cur := w.engine.Current(); cur != nil && cur.Hash() == p.Hash() {
		return
	}
	w.engine.Swap(p)
	if w.onSwap != nil {
		w.onSwap(p)
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
