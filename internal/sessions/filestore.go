package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/conclave-run/conclave/internal/core"
)

// FileStore is the durable Session Store, persisting each session's
// messages as an append-only newline-delimited JSON log at
// sessions/{id}.log and session metadata at sessions/{id}.meta (spec §6),
// fsync'd on every append for crash safety.
//
// The append-then-fsync shape is grounded on the teacher's TracePlugin
// (internal/agent/trace.go): write one JSON line, flush, fsync — kept
// open per session rather than reopened per write.
type FileStore struct {
	dir string

	mu       sync.Mutex
	handles  map[string]*os.File
	mem      *MemoryStore // in-memory index of session metadata and cached history
}

// NewFileStore creates a FileStore rooted at dir/sessions, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	sessionsDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create sessions dir: %w", err)
	}
	return &FileStore{
		dir:     sessionsDir,
		handles: make(map[string]*os.File),
		mem:     NewMemoryStore(),
	}, nil
}

func (f *FileStore) logPath(id string) string  { return filepath.Join(f.dir, id+".log") }
func (f *FileStore) metaPath(id string) string { return filepath.Join(f.dir, id+".meta") }

func (f *FileStore) writeMeta(s *core.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sessions: marshal session meta: %w", err)
	}
	return os.WriteFile(f.metaPath(s.ID), data, 0o644)
}

// Create persists a new session's metadata and registers it in the index.
func (f *FileStore) Create(ctx context.Context, s *core.Session) error {
	if err := f.mem.Create(ctx, s); err != nil {
		return err
	}
	return f.writeMeta(s)
}

func (f *FileStore) Get(ctx context.Context, id string) (*core.Session, error) {
	return f.mem.Get(ctx, id)
}

func (f *FileStore) GetByKey(ctx context.Context, key string) (*core.Session, error) {
	return f.mem.GetByKey(ctx, key)
}

func (f *FileStore) GetOrCreate(ctx context.Context, key string, seed core.Session) (*core.Session, error) {
	s, err := f.mem.GetOrCreate(ctx, key, seed)
	if err != nil {
		return nil, err
	}
	if err := f.writeMeta(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *FileStore) Update(ctx context.Context, s *core.Session) error {
	if err := f.mem.Update(ctx, s); err != nil {
		return err
	}
	return f.writeMeta(s)
}

// Delete removes a session's metadata, log file, and open handle.
func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := f.mem.Delete(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	if h, ok := f.handles[id]; ok {
		h.Close()
		delete(f.handles, id)
	}
	f.mu.Unlock()
	os.Remove(f.logPath(id))
	os.Remove(f.metaPath(id))
	return nil
}

func (f *FileStore) List(ctx context.Context, opts ListOptions) ([]*core.Session, error) {
	return f.mem.List(ctx, opts)
}

func (f *FileStore) handle(id string) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[id]; ok {
		return h, nil
	}
	h, err := os.OpenFile(f.logPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessions: open session log: %w", err)
	}
	f.handles[id] = h
	return h, nil
}

// AppendMessage updates the in-memory index (for fast reads) and fsyncs the
// message to the durable per-session log. A failure to persist durably
// surfaces as an error; the in-memory copy is not rolled back, since a
// caller that sees an error will retry and the log is append-only anyway.
func (f *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *core.Message) error {
	if err := f.mem.AppendMessage(ctx, sessionID, msg); err != nil {
		return err
	}
	h, err := f.handle(sessionID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sessions: marshal message: %w", err)
	}
	if _, err := h.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sessions: write message: %w", err)
	}
	if err := h.Sync(); err != nil {
		return fmt.Errorf("sessions: fsync message: %w", err)
	}
	return nil
}

func (f *FileStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*core.Message, error) {
	return f.mem.GetHistory(ctx, sessionID, limit)
}

func (f *FileStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []*core.Message) error {
	if err := f.mem.ReplaceHistory(ctx, sessionID, msgs); err != nil {
		return err
	}

	f.mu.Lock()
	if h, ok := f.handles[sessionID]; ok {
		h.Close()
		delete(f.handles, sessionID)
	}
	f.mu.Unlock()

	tmp := f.logPath(sessionID) + ".tmp"
	if err := writeCompactedLog(tmp, msgs); err != nil {
		return err
	}
	return os.Rename(tmp, f.logPath(sessionID))
}

// Supersede marks the first count messages of a session's history as
// superseded in place and inserts msg immediately after that span, then
// rewrites the durable log via the same write-to-temp/rename-into-place
// sequence ReplaceHistory uses. Unlike ReplaceHistory, the superseded span
// is retained physically rather than dropped.
func (f *FileStore) Supersede(ctx context.Context, sessionID string, count int, msg *core.Message) error {
	if err := f.mem.Supersede(ctx, sessionID, count, msg); err != nil {
		return err
	}

	full, err := f.mem.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if h, ok := f.handles[sessionID]; ok {
		h.Close()
		delete(f.handles, sessionID)
	}
	f.mu.Unlock()

	tmp := f.logPath(sessionID) + ".tmp"
	if err := writeCompactedLog(tmp, full); err != nil {
		return err
	}
	return os.Rename(tmp, f.logPath(sessionID))
}

func writeCompactedLog(path string, msgs []*core.Message) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sessions: create compacted log: %w", err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("sessions: marshal compacted message: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("sessions: flush compacted log: %w", err)
	}
	return out.Sync()
}

// Close releases every open log handle.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for id, h := range f.handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.handles, id)
	}
	return firstErr
}
