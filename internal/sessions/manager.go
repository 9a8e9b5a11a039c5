package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// Store is the full Session Store surface: CRUD plus message history,
// satisfied by MemoryStore and by a file-backed implementation.
type Store interface {
	HistoryStore
	Create(ctx context.Context, s *core.Session) error
	Get(ctx context.Context, id string) (*core.Session, error)
	GetByKey(ctx context.Context, key string) (*core.Session, error)
	GetOrCreate(ctx context.Context, key string, seed core.Session) (*core.Session, error)
	Update(ctx context.Context, s *core.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*core.Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg *core.Message) error
}

// DefaultIdleTimeout is ArchiveIdle's default: how long an active session
// may go without an update before it is moved straight to SessionArchived.
// No code in this package sets SessionIdle.
const DefaultIdleTimeout = 30 * time.Minute

// Manager is the Session Manager (spec §4.M4): the per-session write
// serialization, subagent spawning, and archival layer built on top of a
// Store. Grounded on the teacher's SessionLocker-guarded write path
// (internal/sessions/write_lock.go). The lock guards PostMessage (the
// append, status update and any compaction it triggers); SpawnSubagent and
// ArchiveIdle write to the Store without taking it.
type Manager struct {
	store   Store
	locker  *Locker
	compact *Compactor
	now     func() time.Time
}

// NewManager creates a Session Manager.
func NewManager(store Store, compact *Compactor, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, locker: NewLocker(DefaultLockTimeout), compact: compact, now: now}
}

// Store returns the underlying Store, for callers (such as the Agent
// Runtime) that need read access to sessions/history beyond PostMessage.
func (m *Manager) Store() Store {
	return m.store
}

// PostMessage appends a message under the session's write lock, triggering
// compaction afterward if the resulting history warrants it. It is the
// single entry point callers use to mutate a session's transcript.
func (m *Manager) PostMessage(ctx context.Context, sessionID string, msg *core.Message) error {
	if err := m.locker.Lock(sessionID); err != nil {
		return fmt.Errorf("sessions: acquire write lock: %w", err)
	}
	defer m.locker.Unlock(sessionID)

	if err := m.store.AppendMessage(ctx, sessionID, msg); err != nil {
		return err
	}

	if s, err := m.store.Get(ctx, sessionID); err == nil {
		s.UpdatedAt = m.now()
		s.Status = core.SessionActive
		_ = m.store.Update(ctx, s)
	}

	if m.compact != nil {
		if should, err := m.compact.ShouldCompact(ctx, sessionID); err == nil && should {
			if _, err := m.compact.Compact(ctx, sessionID); err == nil {
				if s, err := m.store.Get(ctx, sessionID); err == nil {
					s.Status = core.SessionCompacted
					_ = m.store.Update(ctx, s)
				}
			}
		}
	}
	return nil
}

// SpawnSubagent creates a new subagent session as a child of parent,
// rejecting the spawn if it would exceed core.MaxSubagentDepth.
func (m *Manager) SpawnSubagent(ctx context.Context, parent *core.Session, subagentID string) (*core.Session, error) {
	if parent.Depth+1 > core.MaxSubagentDepth {
		return nil, core.ErrDepthExceeded
	}

	parsedParent, err := ParseKey(parent.Key)
	if err != nil {
		return nil, fmt.Errorf("sessions: parse parent key: %w", err)
	}
	key := Key{AgentID: parsedParent.AgentID, Kind: "subagent", SubagentID: subagentID}

	child := &core.Session{
		Key:            key.String(),
		Type:           core.SessionSubagent,
		TenantID:       parent.TenantID,
		OwnerPrincipal: parent.OwnerPrincipal,
		ChannelID:      parent.ChannelID,
		ParentID:       parent.ID,
		Depth:          parent.Depth + 1,
		Status:         core.SessionActive,
	}
	if err := m.store.Create(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// ArchiveIdle transitions sessions that have been idle past timeout to
// SessionArchived, returning the number archived.
func (m *Manager) ArchiveIdle(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	sessions, err := m.store.List(ctx, ListOptions{Status: core.SessionActive})
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-timeout)
	archived := 0
	for _, s := range sessions {
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		s.Status = core.SessionArchived
		if err := m.store.Update(ctx, s); err == nil {
			archived++
		}
	}
	return archived, nil
}
