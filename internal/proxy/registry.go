package proxy

import (
	"context"
	"errors"
	"sync"

	"github.com/die-net/fwdproxy/internal/metrics"
)

// ErrRegistryClosed is returned by Register after StopAll.
var ErrRegistryClosed = errors.New("session registry closed")

// Registry tracks live sessions so they can be stopped together.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
	// idle is closed whenever the last session deregisters, and replaced
	// when the first one registers again.
	idle chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

// Register adds s. Once StopAll has been called, Register refuses new
// sessions with ErrRegistryClosed.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.sessions[s]; ok {
		return nil
	}
	if len(r.sessions) == 0 {
		r.idle = make(chan struct{})
	}
	r.sessions[s] = struct{}{}
	metrics.ActiveSessions.Inc()
	return nil
}

// Deregister removes s. Removing a session that is not present does nothing.
func (r *Registry) Deregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return
	}
	delete(r.sessions, s)
	metrics.ActiveSessions.Dec()
	if len(r.sessions) == 0 {
		close(r.idle)
	}
}

// Stop stops one session. The session deregisters itself once it has closed.
func (r *Registry) Stop(s *Session) {
	s.Stop()
}

// Close refuses further registrations. Live sessions keep running.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// StopAll refuses further registrations and stops every live session.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Stop()
	}
}

// Wait blocks until no sessions are registered or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	if len(r.sessions) == 0 {
		r.mu.Unlock()
		return nil
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
