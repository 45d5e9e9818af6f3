package session

import (
	"context"
	"sync"

	"anna/internal/engine"
)

type entry struct {
	session  *Session
	attached int
	timer    stopper
	gen      uint64
}

// Registry owns every live Session, one per user identity. Sessions are
// evicted after IdleEviction with no attached connection.
type Registry struct {
	engine engine.Engine
	config Config
	opts   []Option
	o      options

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry creates an empty registry whose sessions run on eng.
func NewRegistry(eng engine.Engine, config Config, opts ...Option) *Registry {
	return &Registry{
		engine:  eng,
		config:  config.withDefaults(),
		opts:    opts,
		o:       buildOptions(opts),
		entries: make(map[string]*entry),
	}
}

func (r *Registry) newSessionLocked(userID string, sink Sink) *entry {
	e := &entry{session: New(userID, r.engine, r.config, sink, r.opts...)}
	r.entries[userID] = e
	r.o.metrics.AddActiveSessions(context.Background(), 1)
	r.o.logger.Info("Created session %s for user %s", e.session.ID(), userID)
	return e
}

// GetOrCreate returns the live session for userID, creating it if needed.
func (r *Registry) GetOrCreate(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		return e.session
	}
	return r.newSessionLocked(userID, DiscardSink{}).session
}

// Lookup returns the live session for userID without creating one.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Remove deletes the entry for userID only if it still holds sess.
func (r *Registry) Remove(userID string, sess *Session) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok || e.session != sess {
		r.mu.Unlock()
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.entries, userID)
	r.mu.Unlock()
	r.o.metrics.AddActiveSessions(context.Background(), -1)
	return true
}

// Attachment is the result of binding a connection to a session.
type Attachment struct {
	Session *Session
	// Previous is the sink that was bound before, nil for a new session.
	Previous Sink
	// Resumed is false when the session was created by this attach.
	Resumed bool
}

// Attach binds sink to userID's session, creating the session if needed and
// cancelling any pending eviction.
func (r *Registry) Attach(userID string, sink Sink) (Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Attachment{}, ErrRegistryClosed
	}

	e, ok := r.entries[userID]
	if !ok {
		e = r.newSessionLocked(userID, sink)
		e.attached = 1
		return Attachment{Session: e.session}, nil
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.attached++
	prev := e.session.Rebind(sink)
	return Attachment{Session: e.session, Previous: prev, Resumed: true}, nil
}

// Release marks one connection to sess as gone. When none remain an eviction
// is scheduled.
func (r *Registry) Release(userID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.session != sess {
		return
	}
	if e.attached > 0 {
		e.attached--
	}
	if e.attached > 0 || r.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = r.o.afterFunc(r.config.IdleEviction, func() {
		r.evict(userID, sess, gen)
	})
	r.o.logger.Debug("Scheduled eviction of session %s in %s", sess.ID(), r.config.IdleEviction)
}

func (r *Registry) evict(userID string, sess *Session, gen uint64) {
	ctx := context.Background()
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok || e.session != sess || e.gen != gen || e.attached > 0 {
		r.mu.Unlock()
		r.o.logger.Debug("Eviction of session %s skipped; session was resumed or replaced", sess.ID())
		r.o.metrics.RecordEviction(ctx, "noop")
		return
	}
	delete(r.entries, userID)
	r.mu.Unlock()

	sess.Dispose()
	r.o.metrics.AddActiveSessions(ctx, -1)
	r.o.metrics.RecordEviction(ctx, "evicted")
	r.o.logger.Info("Evicted idle session %s for user %s", sess.ID(), userID)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shutdown stops every pending eviction and disposes every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.entries))
	for userID, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		sessions = append(sessions, e.session)
		delete(r.entries, userID)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Dispose()
	}
	if len(sessions) > 0 {
		r.o.metrics.AddActiveSessions(context.Background(), -int64(len(sessions)))
	}
	r.o.logger.Info("Session registry shut down; disposed %d sessions", len(sessions))
}
