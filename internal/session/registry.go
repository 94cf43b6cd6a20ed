package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/txkodo/claude-code-web/internal/agent"
	"github.com/txkodo/claude-code-web/internal/logging"
)

// Registry is the process-scoped store of live sessions. Sessions live for
// the process lifetime; there is no eviction.
type Registry struct {
	factory agent.Factory
	logger  logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Handler
}

// NewRegistry creates a registry that binds each new session to an agent from
// factory.
func NewRegistry(factory agent.Factory, logger logging.Logger) *Registry {
	return &Registry{
		factory:  factory,
		logger:   logging.OrNop(logger),
		sessions: make(map[string]*Handler),
	}
}

// CreateSession constructs a session for cwd with a fresh, never-reused id
// and returns both the id and the handler.
func (r *Registry) CreateSession(cwd string) (string, *Handler) {
	id := uuid.NewString()
	handler := NewHandler(id, cwd, r.factory.NewAgent(cwd), r.logger)

	r.mu.Lock()
	r.sessions[id] = handler
	r.mu.Unlock()

	r.logger.Info("Session created: id=%s cwd=%s", id, cwd)
	return id, handler
}

// GetSessionByID looks up a session. Unknown ids return ErrNotFound.
func (r *Registry) GetSessionByID(id string) (*Handler, error) {
	r.mu.RLock()
	handler, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return handler, nil
}

// ListSessions returns the ids of all live sessions in no significant order.
func (r *Registry) ListSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every session; used at process shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handlers := make([]*Handler, 0, len(r.sessions))
	for _, h := range r.sessions {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	var combined error
	for _, h := range handlers {
		if err := h.Close(); err != nil {
			combined = errors.Join(combined, err)
		}
	}
	return combined
}
