package session

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/carat-studio/internal/domain"
)

type entry struct {
	// sem holds one token; owning it grants exclusive access to ctx.
	sem      chan struct{}
	ctx      *Context
	lastUsed time.Time
}

// Store maps session ids to contexts. Entries are created on first
// contact and removed by Delete or the janitor.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry), now: time.Now}
}

func (s *Store) entryFor(sessionID, userID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{
			sem: make(chan struct{}, 1),
			ctx: &Context{
				SessionID: sessionID,
				UserID:    userID,
				State:     domain.StateIdle,
				UpdatedAt: s.now(),
			},
		}
		s.entries[sessionID] = e
	}
	e.lastUsed = s.now()
	return e
}

// Acquire returns the session context locked for the caller. The release
// func must be called exactly once. Acquire blocks while another turn of
// the same session runs and gives up when ctx is done.
func (s *Store) Acquire(ctx context.Context, sessionID, userID string) (*Context, func(), error) {
	e := s.entryFor(sessionID, userID)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	if e.ctx.UserID == "" {
		e.ctx.UserID = userID
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			e.ctx.UpdatedAt = s.now()
			e.lastUsed = e.ctx.UpdatedAt
			s.mu.Unlock()
			<-e.sem
		})
	}
	return e.ctx, release, nil
}

// Delete forgets a session. A turn in flight keeps its own reference.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SweepResult counts what a sweep removed.
type SweepResult struct {
	ExpiredPending int
	Evicted        int
}

// Sweep expires pending clarifications older than pendingTTL and evicts
// idle sessions older than idleTTL. Sessions with a turn in flight are
// skipped. A zero TTL disables that half of the sweep.
func (s *Store) Sweep(pendingTTL, idleTTL time.Duration) SweepResult {
	now := s.now()
	var res SweepResult

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		select {
		case e.sem <- struct{}{}:
		default:
			continue
		}
		if idleTTL > 0 && now.Sub(e.lastUsed) > idleTTL {
			delete(s.entries, id)
			res.Evicted++
		} else if pendingTTL > 0 && e.ctx.Pending != nil && now.Sub(e.ctx.Pending.CreatedAt) > pendingTTL {
			e.ctx.Reset()
			res.ExpiredPending++
		}
		<-e.sem
	}
	return res
}
