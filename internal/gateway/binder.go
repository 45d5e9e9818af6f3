package gateway

import (
	"anna/internal/logging"
	"anna/internal/session"
)

// Binder attaches live connections to sessions and detaches them on
// disconnect. It is the only place that knows which socket a session emits to.
type Binder struct {
	registry *session.Registry
	logger   logging.Logger
}

// NewBinder creates a binder over registry.
func NewBinder(registry *session.Registry, logger logging.Logger) *Binder {
	return &Binder{registry: registry, logger: logging.OrNop(logger)}
}

// Bind attaches sink to the user's session. A connection it replaces is
// closed as superseded.
func (b *Binder) Bind(userID string, sink *connSink) (session.Attachment, error) {
	att, err := b.registry.Attach(userID, sink)
	if err != nil {
		return att, err
	}
	if prev, ok := att.Previous.(*connSink); ok && prev != sink {
		b.logger.Info("Superseding previous connection for user %s", userID)
		prev.c.close(CloseSuperseded, "superseded")
	}
	return att, nil
}

// Unbind detaches sink if it is still current and releases the session,
// scheduling eviction when no connection remains.
func (b *Binder) Unbind(userID string, sess *session.Session, sink *connSink) {
	sess.Detach(sink)
	b.registry.Release(userID, sess)
}
