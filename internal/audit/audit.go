// Package audit maintains the append-only, hash-chained event log. Rows are
// written to the store first (authoritative), then mirrored to audit.log as
// JSONL; a retry loop replays rows the mirror missed. Each record's hash
// covers its canonical serialisation with the hash field empty, chained
// through prev_hash back to the "genesis" anchor.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// LogFileName is the live audit log inside the state directory.
const LogFileName = "audit.log"

// GenesisHash anchors the first record of a chain.
const GenesisHash = "genesis"

// tsLayout fixes microsecond precision so records serialise identically on
// every pass.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

const defaultMaxBytes = 32 << 20

// Writer is the single audit appender for a state directory. All components
// share one Writer; appends serialise through its mutex.
type Writer struct {
	mu       sync.Mutex
	conn     *sql.DB
	path     string
	logger   *slog.Logger
	seq      int64
	prevHash string
	maxBytes int64
	clock    func() time.Time
}

// NewWriter opens a writer over the store and the JSONL path, resuming the
// chain from the newest stored row.
func NewWriter(conn *sql.DB, path string, logger *slog.Logger) (*Writer, error) {
	seq, head, err := db.AuditChainHead(conn)
	if err != nil {
		return nil, fmt.Errorf("load audit chain head: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		conn:     conn,
		path:     path,
		logger:   logger.With("component", "audit"),
		seq:      seq,
		prevHash: head,
		maxBytes: defaultMaxBytes,
		clock:    time.Now,
	}, nil
}

// SetMaxBytes overrides the rotation threshold.
func (w *Writer) SetMaxBytes(n int64) {
	w.mu.Lock()
	w.maxBytes = n
	w.mu.Unlock()
}

// Append records one event. The store insert is authoritative; a failed
// JSONL append leaves the row unflushed for FlushPending and never fails the
// caller's state change.
func (w *Writer) Append(event, sessionID, promptID string, payload map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ev := types.AuditEvent{
		Seq:       w.seq + 1,
		TS:        w.clock().UTC().Format(tsLayout),
		Event:     event,
		SessionID: sessionID,
		PromptID:  promptID,
		Payload:   payload,
		PrevHash:  w.prevHash,
	}
	hash, err := HashEvent(ev)
	if err != nil {
		return err
	}
	ev.Hash = hash

	flushed := true
	flushErr := w.appendLine(ev)
	if flushErr != nil {
		flushed = false
		w.logger.Warn("audit log append failed, row queued for retry",
			"seq", ev.Seq, "error", flushErr)
	}

	if err := db.InsertAuditRow(w.conn, ev, flushed); err != nil {
		return fmt.Errorf("insert audit row seq %d: %w", ev.Seq, err)
	}

	w.seq = ev.Seq
	w.prevHash = ev.Hash
	return nil
}

// FlushPending replays rows that never reached the JSONL mirror, in chain
// order. Returns the number of rows flushed.
func (w *Writer) FlushPending() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows, err := db.UnflushedAuditRows(w.conn, 512)
	if err != nil {
		return 0, err
	}
	flushed := 0
	for _, ev := range rows {
		if err := w.appendLine(ev); err != nil {
			return flushed, err
		}
		if err := db.MarkAuditFlushed(w.conn, ev.Seq); err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

func (w *Writer) appendLine(ev types.AuditEvent) error {
	if err := w.rotateIfNeeded(); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// rotateIfNeeded moves an oversized live log aside. The chain anchor carries
// across segments because prev_hash lives in the records themselves.
func (w *Writer) rotateIfNeeded() error {
	info, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < w.maxBytes {
		return nil
	}
	// Nanosecond stamps keep segment names unique and lexically ordered.
	stamp := w.clock().UTC().Format("20060102T150405.000000000")
	rotated := filepath.Join(filepath.Dir(w.path), fmt.Sprintf("audit-%s.log", stamp))
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	w.logger.Info("rotated audit log", "segment", rotated)
	return nil
}

// HashEvent computes the chain hash of ev: SHA-256 over the canonical JSON
// serialisation with the hash field empty.
func HashEvent(ev types.AuditEvent) (string, error) {
	ev.Hash = ""
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
