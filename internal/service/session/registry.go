package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/neko-bridge/backend/internal/model/session"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry owns every Session entry of the process.
//
// The map itself is guarded by mu. Lock hands out a per-user scope that
// callers hold across a whole read-modify-write sequence, so operations on
// the same user are serialized while different users never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]session.Session

	locksMu sync.Mutex
	locks   map[string]*userLock

	now func() time.Time
}

// userLock is a one-slot semaphore so waiting can be abandoned when the
// caller's context ends.
type userLock struct {
	slot chan struct{}
	refs int
}

// NewRegistry bootstraps an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]session.Session),
		locks:    make(map[string]*userLock),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Lock acquires the scope for userID and returns its release function. It
// gives up with ctx's error when ctx ends before the scope is free.
func (r *Registry) Lock(ctx context.Context, userID string) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.locksMu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{slot: make(chan struct{}, 1)}
		r.locks[userID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		r.release(userID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.slot
			r.release(userID, l)
		})
	}, nil
}

func (r *Registry) release(userID string, l *userLock) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, userID)
	}
}

// Get retrieves the session of userID.
func (r *Registry) Get(userID string) (session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Put inserts or replaces the session of userID.
func (r *Registry) Put(userID, chatID, model string) session.Session {
	now := r.now()
	s := session.Session{
		UserID:    userID,
		ChatID:    chatID,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.sessions[userID] = s
	r.mu.Unlock()

	return s
}

// SetModel updates the confirmed model of an existing session.
func (r *Registry) SetModel(userID, model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Model = model
	s.UpdatedAt = r.now()
	r.sessions[userID] = s
	return nil
}

// List returns a snapshot of all sessions ordered by user id.
func (r *Registry) List() []session.Session {
	r.mu.RLock()
	out := make([]session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
