// ABOUTME: Per-session stream leases enforcing one active stream per session
// ABOUTME: In-memory implementation for a single gateway, Redis for a fleet

package lease

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/errs"
)

// Lease is a held session slot. Release is idempotent.
type Lease interface {
	Release()
}

// Manager grants at most one lease per session ID.
type Manager interface {
	Acquire(ctx context.Context, sessionID string) (Lease, error)
}

// errHeld is returned when the session already has an active stream.
func errHeld(sessionID string) error {
	return errs.Conflict(errs.CodeConcurrentStreamRejected, "session already has an active stream").
		WithDetail("session_id", sessionID)
}

// Memory is a process-local lease manager.
type Memory struct {
	mu     sync.Mutex
	active map[string]string // session ID -> lease token
}

// NewMemory creates an empty in-memory lease manager.
func NewMemory() *Memory {
	return &Memory{active: make(map[string]string)}
}

// Acquire claims sessionID or fails with a conflict error.
func (m *Memory) Acquire(ctx context.Context, sessionID string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.active[sessionID]; held {
		return nil, errHeld(sessionID)
	}

	token := uuid.NewString()
	m.active[sessionID] = token
	return &memoryLease{m: m, sessionID: sessionID, token: token}, nil
}

// Active returns the number of sessions currently streaming.
func (m *Memory) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

type memoryLease struct {
	m         *Memory
	sessionID string
	token     string
	once      sync.Once
}

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		if l.m.active[l.sessionID] == l.token {
			delete(l.m.active, l.sessionID)
		}
	})
}
