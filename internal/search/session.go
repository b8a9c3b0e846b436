package search

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a search session's current lifecycle stage.
type Status int

const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

// Session tracks one in-flight or completed search, its cancellation
// channel, and the point it should be evicted by.
type Session struct {
	ID        uuid.UUID
	Status    Status
	Result    Result
	Err       error
	ExpiresAt time.Time

	cancel context.CancelFunc
}

// Sessions is the searcher's session store: a map guarded by a single
// mutex, held only long enough to insert or look up an entry, never
// across an await (spec.md §5's concurrency rule for the session store;
// grounded on concurrent.Cache and trace-viewer/src/finder/status_sharer.rs's
// StatusSharer).
type Sessions struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*Session
	idle  time.Duration
}

// NewSessions constructs an empty session store. idle is how long a
// completed session is retained before Sweep evicts it (spec.md §5
// "Session lifetime", default 10 minutes).
func NewSessions(idle time.Duration) *Sessions {
	return &Sessions{byID: make(map[uuid.UUID]*Session), idle: idle}
}

// Start registers a new running session and returns it along with a
// context the caller's search goroutine should run under; cancelling
// that context (via Cancel) stops the search promptly.
func (s *Sessions) Start(parent context.Context) (*Session, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	sess := &Session{ID: uuid.New(), Status: StatusRunning, cancel: cancel}

	s.mu.Lock()
	s.byID[sess.ID] = sess
	s.mu.Unlock()

	return sess, ctx
}

// Get looks up a session by id.
func (s *Sessions) Get(id uuid.UUID) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	return sess, ok
}

// Complete records a session's final result and starts its eviction
// clock.
func (s *Sessions) Complete(id uuid.UUID, result Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return
	}
	sess.Result = result
	sess.Err = err
	if err != nil {
		sess.Status = StatusFailed
	} else {
		sess.Status = StatusSucceeded
	}
	sess.ExpiresAt = time.Now().Add(s.idle)
}

// Cancel requests cancellation of a running session's search and marks
// it Cancelled.
func (s *Sessions) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	sess, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.cancel()

	s.mu.Lock()
	sess.Status = StatusCancelled
	sess.ExpiresAt = time.Now().Add(s.idle)
	s.mu.Unlock()
	return true
}

// Sweep evicts every completed session past its expiry. Intended to run
// from a periodic tick task.
func (s *Sessions) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.byID {
		if sess.Status == StatusRunning {
			continue
		}
		if now.After(sess.ExpiresAt) {
			delete(s.byID, id)
		}
	}
}
