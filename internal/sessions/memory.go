package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-run/conclave/internal/core"
)

// maxMessagesPerSession bounds in-memory message growth per session, trimming
// the oldest once exceeded, mirroring the teacher's MemoryStore.
const maxMessagesPerSession = 10000

// ListOptions filters/paginates Store.List.
type ListOptions struct {
	TenantID string
	Type     core.SessionType
	Status   core.SessionStatus
	Offset   int
	Limit    int
}

// MemoryStore is an in-memory Session Store, grounded on the teacher's
// MemoryStore (internal/sessions/memory.go): RWMutex-guarded maps with
// clone-on-read/clone-on-write so callers never share internal state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	byKey    map[string]string
	messages map[string][]*core.Message
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*core.Session),
		byKey:    make(map[string]string),
		messages: make(map[string][]*core.Message),
	}
}

// Create inserts a new session, assigning an ID and timestamps if unset.
func (m *MemoryStore) Create(ctx context.Context, s *core.Session) error {
	if s == nil {
		return core.ErrStoreUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return core.ErrAlreadyExists
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = core.SessionActive
	}

	clone := s.Clone()
	m.sessions[clone.ID] = clone
	if clone.Key != "" {
		m.byKey[clone.Key] = clone.ID
	}
	return nil
}

// Get returns a session by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return s.Clone(), nil
}

// GetByKey returns a session by its session-key (spec §6 syntax).
func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return s.Clone(), nil
}

// GetOrCreate returns the existing session for key, or creates one with the
// given attributes if none exists yet.
func (m *MemoryStore) GetOrCreate(ctx context.Context, key string, seed core.Session) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		if s, ok := m.sessions[id]; ok {
			return s.Clone(), nil
		}
	}

	now := time.Now()
	seed.ID = uuid.NewString()
	seed.Key = key
	seed.CreatedAt = now
	seed.UpdatedAt = now
	if seed.Status == "" {
		seed.Status = core.SessionActive
	}
	clone := seed.Clone()
	m.sessions[clone.ID] = clone
	m.byKey[key] = clone.ID
	return clone.Clone(), nil
}

// Update replaces mutable session fields, preserving CreatedAt.
func (m *MemoryStore) Update(ctx context.Context, s *core.Session) error {
	if s == nil {
		return core.ErrStoreUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[s.ID]
	if !ok {
		return core.ErrNotFound
	}
	clone := s.Clone()
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.sessions[clone.ID] = clone
	if clone.Key != "" {
		m.byKey[clone.Key] = clone.ID
	}
	return nil
}

// Delete removes a session and its message history.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return core.ErrNotFound
	}
	delete(m.sessions, id)
	if s.Key != "" {
		delete(m.byKey, s.Key)
	}
	delete(m.messages, id)
	return nil
}

// List returns sessions matching the given filters, paginated.
func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Session
	for _, s := range m.sessions {
		if opts.TenantID != "" && s.TenantID != opts.TenantID {
			continue
		}
		if opts.Type != "" && s.Type != opts.Type {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		out = append(out, s.Clone())
	}

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*core.Session{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

// AppendMessage appends a message to a session's history, assigning an ID,
// sequence number, and timestamp if unset.
func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *core.Message) error {
	if msg == nil {
		return core.ErrStoreUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return core.ErrNotFound
	}
	clone := msg.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.Seq = int64(len(m.messages[sessionID]))
	m.messages[sessionID] = append(m.messages[sessionID], clone)

	if len(m.messages[sessionID]) > maxMessagesPerSession {
		excess := len(m.messages[sessionID]) - maxMessagesPerSession
		m.messages[sessionID] = m.messages[sessionID][excess:]
	}
	return nil
}

// GetHistory returns a session's messages, most recent limit if limit > 0.
func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*core.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	if limit <= 0 || limit >= len(msgs) {
		out := make([]*core.Message, len(msgs))
		for i, msg := range msgs {
			out[i] = msg.Clone()
		}
		return out, nil
	}
	start := len(msgs) - limit
	out := make([]*core.Message, limit)
	for i, msg := range msgs[start:] {
		out[i] = msg.Clone()
	}
	return out, nil
}

// ReplaceHistory atomically replaces a session's message history. Compaction
// uses Supersede instead so the replaced span is retained rather than
// dropped; ReplaceHistory remains available as a general Store operation
// (e.g. restoring a snapshot).
func (m *MemoryStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []*core.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return core.ErrNotFound
	}
	clones := make([]*core.Message, len(msgs))
	for i, msg := range msgs {
		clones[i] = msg.Clone()
		clones[i].Seq = int64(i)
	}
	m.messages[sessionID] = clones
	return nil
}

// Supersede marks the first count messages of a session's history as
// superseded (Message.Superseded = true) in place, then inserts msg
// immediately after that span. The superseded span is never removed: it
// stays in the returned history for GetHistory callers that want the full
// record (audit, replay), while buildCompletionRequest's skip of
// Superseded messages keeps it out of what the LLM sees.
func (m *MemoryStore) Supersede(ctx context.Context, sessionID string, count int, msg *core.Message) error {
	if msg == nil {
		return core.ErrStoreUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return core.ErrNotFound
	}

	msgs := m.messages[sessionID]
	if count < 0 {
		count = 0
	}
	if count > len(msgs) {
		count = len(msgs)
	}
	for i := 0; i < count; i++ {
		msgs[i].Superseded = true
	}

	clone := msg.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}

	merged := make([]*core.Message, 0, len(msgs)+1)
	merged = append(merged, msgs[:count]...)
	merged = append(merged, clone)
	merged = append(merged, msgs[count:]...)
	for i, mm := range merged {
		mm.Seq = int64(i)
	}
	m.messages[sessionID] = merged
	return nil
}
