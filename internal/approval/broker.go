package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/txkodo/claude-code-web/internal/logging"
)

// ErrNoRoute indicates a permission callback arrived for a token with no live
// subscription, typically because the turn that registered it already ended.
var ErrNoRoute = errors.New("no permission route for token")

// PermissionFunc handles one permission request raised by the agent. It may
// block for as long as it takes a human to answer; ctx is the turn context.
type PermissionFunc func(ctx context.Context, request json.RawMessage) (Decision, error)

// Subscription is one live permission endpoint, valid for the duration of a
// single agent turn.
type Subscription struct {
	// Token routes the agent's permission calls back to the subscribed
	// callback. It is distinct from any approval id.
	Token string

	broker *Broker
	once   sync.Once
}

// Unsubscribe tears down the route. It is idempotent; once it returns, no new
// permission call is dispatched to the subscribed callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.drop(s.Token)
	})
}

// Broker routes agent-side permission calls, arriving on any transport, to the
// per-turn callback registered by the session. It is a routing concern only:
// approvals themselves live in the session's message log.
type Broker struct {
	mu     sync.RWMutex
	routes map[string]PermissionFunc
	logger logging.Logger
}

// NewBroker creates an empty permission broker.
func NewBroker() *Broker {
	return &Broker{
		routes: make(map[string]PermissionFunc),
		logger: logging.NewComponentLogger("PermissionBroker"),
	}
}

// Subscribe registers a permission callback for one turn and returns the
// routing token the agent must present on its permission calls.
func (b *Broker) Subscribe(fn PermissionFunc) *Subscription {
	token := uuid.NewString()
	b.mu.Lock()
	b.routes[token] = fn
	b.mu.Unlock()
	b.logger.Debug("Permission route registered: token=%s", token)
	return &Subscription{Token: token, broker: b}
}

// Dispatch delivers a permission request to the callback registered under
// token and blocks until it produces a decision. Unknown tokens return
// ErrNoRoute.
func (b *Broker) Dispatch(ctx context.Context, token string, request json.RawMessage) (Decision, error) {
	b.mu.RLock()
	fn, ok := b.routes[token]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn("Permission call for unknown token: %s", token)
		return Decision{}, ErrNoRoute
	}
	return fn(ctx, request)
}

// Routes returns the number of live permission routes.
func (b *Broker) Routes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routes)
}

func (b *Broker) drop(token string) {
	b.mu.Lock()
	delete(b.routes, token)
	b.mu.Unlock()
	b.logger.Debug("Permission route removed: token=%s", token)
}
