package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/txkodo/claude-code-web/internal/approval"
	"github.com/txkodo/claude-code-web/internal/logging"
	"github.com/txkodo/claude-code-web/internal/session"
)

// SessionStatus is the transport-facing status view of one session.
type SessionStatus struct {
	Status session.Status `json:"status"`
	Cwd    string         `json:"cwd"`
}

// Service is the application layer over the session registry: it validates
// input, attaches every new session's event stream to the broadcaster, and
// maps core errors to the server's sentinel taxonomy.
type Service struct {
	registry    *session.Registry
	broadcaster *EventBroadcaster
	broker      *approval.Broker
	metrics     *Metrics
	logger      logging.Logger
}

// NewService wires the application layer. metrics may be nil.
func NewService(registry *session.Registry, broadcaster *EventBroadcaster, broker *approval.Broker, metrics *Metrics) *Service {
	return &Service{
		registry:    registry,
		broadcaster: broadcaster,
		broker:      broker,
		metrics:     metrics,
		logger:      logging.NewComponentLogger("SessionService"),
	}
}

// CreateSession creates a session for cwd and returns its id. Every event the
// session emits is forwarded to the broadcaster for the session's lifetime.
func (svc *Service) CreateSession(cwd string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		return "", ValidationError("cwd is required")
	}

	id, handler := svc.registry.CreateSession(cwd)
	handler.ListenEvent(svc.broadcaster.Publish)
	if svc.metrics != nil {
		svc.metrics.SessionsCreated.Inc()
	}
	return id, nil
}

// ListSessions returns all live session ids.
func (svc *Service) ListSessions() []string {
	return svc.registry.ListSessions()
}

// Messages returns a point-in-time snapshot of a session's message log.
func (svc *Service) Messages(sessionID string) ([]session.Message, error) {
	handler, err := svc.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return handler.AllMessages(), nil
}

// Status returns a session's derived status and working directory.
func (svc *Service) Status(sessionID string) (SessionStatus, error) {
	handler, err := svc.lookup(sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{Status: handler.Status(), Cwd: handler.Cwd()}, nil
}

// PushMessage starts one agent turn on the session. A busy session returns
// ErrBusy synchronously with no side effects.
func (svc *Service) PushMessage(sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ValidationError("message is required")
	}
	handler, err := svc.lookup(sessionID)
	if err != nil {
		return err
	}

	if err := handler.PushMessage(text); err != nil {
		if errors.Is(err, session.ErrBusy) {
			if svc.metrics != nil {
				svc.metrics.TurnsRejectedBusy.Inc()
			}
			return fmt.Errorf("session %s: %w", sessionID, ErrBusy)
		}
		return err
	}
	if svc.metrics != nil {
		svc.metrics.TurnsStarted.Inc()
	}
	return nil
}

// AnswerApproval records a decision for a pending approval on the session.
func (svc *Service) AnswerApproval(sessionID, approvalID string, decision approval.Decision) error {
	handler, err := svc.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := handler.AnswerApproval(approvalID, decision); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return NotFoundError(fmt.Sprintf("approval %s", approvalID))
		}
		return err
	}
	if svc.metrics != nil {
		svc.metrics.ApprovalsAnswered.Inc()
	}
	return nil
}

// CancelSession cancels the session's in-flight turn, if any.
func (svc *Service) CancelSession(sessionID string) error {
	handler, err := svc.lookup(sessionID)
	if err != nil {
		return err
	}
	handler.Cancel()
	return nil
}

// DispatchPermission routes an agent-side permission call to the turn that
// registered the routing token. The request payload passes through opaque.
func (svc *Service) DispatchPermission(ctx context.Context, token string, request json.RawMessage) (approval.Decision, error) {
	decision, err := svc.broker.Dispatch(ctx, token, request)
	if err != nil {
		if errors.Is(err, approval.ErrNoRoute) {
			return approval.Decision{}, NotFoundError(fmt.Sprintf("permission route %s", token))
		}
		return approval.Decision{}, err
	}
	return decision, nil
}

// Broadcaster exposes the event multiplexer to the transport layer.
func (svc *Service) Broadcaster() *EventBroadcaster {
	return svc.broadcaster
}

// Shutdown closes every live session.
func (svc *Service) Shutdown() error {
	return svc.registry.CloseAll()
}

func (svc *Service) lookup(sessionID string) (*session.Handler, error) {
	handler, err := svc.registry.GetSessionByID(sessionID)
	if err != nil {
		return nil, NotFoundError(fmt.Sprintf("session %s", sessionID))
	}
	return handler, nil
}
