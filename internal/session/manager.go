package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// Finished reports whether the session reached a terminal status.
func (s Status) Finished() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusFailed:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound = errors.New("session not found")
	// ErrBusy is returned while another block is pending or running. The
	// controller drives one participant and one block at a time.
	ErrBusy = errors.New("a block is already running")
)

type Session struct {
	ID            string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	BlockNr       int    `json:"block_nr"`
	Trials        int    `json:"trials"`
	Language      string `json:"language"`
	Focus         string `json:"focus"`
	Mode          string `json:"mode"`
	Classic       bool   `json:"classic"`
	Seed          uint64 `json:"seed"`

	Status Status `json:"status"`
	// State is the task machine state last reported by the runner.
	State    string `json:"state,omitempty"`
	Error    string `json:"error,omitempty"`
	ResultID string `json:"result_id,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	activeID  string
	retention time.Duration
	now       func() time.Time
	onEvict   func(*Session)
}

// NewManager keeps finished sessions for retention before the janitor
// evicts them.
func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetEvictHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// Create registers a pending session. It fails with ErrBusy while another
// session is pending or running.
func (m *Manager) Create(req CreateRequest) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID != "" {
		return nil, fmt.Errorf("%w: %s", ErrBusy, m.activeID)
	}
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		ParticipantID:  req.ParticipantID,
		BlockNr:        req.BlockNr,
		Trials:         req.Trials,
		Language:       req.Language,
		Focus:          req.Focus,
		Mode:           req.Mode,
		Classic:        req.Classic,
		Seed:           req.Seed,
		Status:         StatusPending,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	m.activeID = s.ID
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// List returns all known sessions, newest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Summary{
			ID:            s.ID,
			ParticipantID: s.ParticipantID,
			BlockNr:       s.BlockNr,
			Status:        s.Status,
			CreatedAt:     s.CreatedAt,
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active returns the pending or running session id, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID, m.activeID != ""
}

func (m *Manager) MarkRunning(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusPending {
		return fmt.Errorf("session %s is %s, not pending", sessionID, s.Status)
	}
	now := m.now()
	s.Status = StatusRunning
	s.StartedAt = now
	s.LastActivityAt = now
	return nil
}

// SetState records the current task state of a running session.
func (m *Manager) SetState(sessionID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.State = state
	s.LastActivityAt = m.now()
	return nil
}

// Finish moves a session to a terminal status and frees the manager for
// the next block. Finishing an already finished session is an error.
func (m *Manager) Finish(sessionID string, status Status, resultID string, cause error) (*Session, error) {
	if !status.Finished() {
		return nil, fmt.Errorf("finish with non-terminal status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status.Finished() {
		return nil, fmt.Errorf("session %s already %s", sessionID, s.Status)
	}
	now := m.now()
	s.Status = status
	s.ResultID = resultID
	if cause != nil {
		s.Error = cause.Error()
	}
	s.EndedAt = now
	s.LastActivityAt = now
	if m.activeID == sessionID {
		m.activeID = ""
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictFinished()
			}
		}
	}()
}

// ActiveCount is 1 while a block is pending or running.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return 0
	}
	return 1
}

func (m *Manager) evictFinished() {
	now := m.now()
	var evicted []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if !s.Status.Finished() {
			continue
		}
		if now.Sub(s.EndedAt) < m.retention {
			continue
		}
		evicted = append(evicted, clone(s))
		delete(m.sessions, id)
	}
	hook := m.onEvict
	m.mu.Unlock()

	if hook != nil {
		for _, s := range evicted {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
