package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/txkodo/claude-code-web/internal/approval"
	"github.com/txkodo/claude-code-web/internal/logging"
	"github.com/txkodo/claude-code-web/internal/server/app"
	"github.com/txkodo/claude-code-web/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingPeriod   = 30 * time.Second
)

// clientFrame is a command sent by the browser over the event socket.
type clientFrame struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"sessionId,omitempty"`
	Message    string            `json:"message,omitempty"`
	ApprovalID string            `json:"approvalId,omitempty"`
	Decision   *approval.Decision `json:"decision,omitempty"`
}

// serverFrame wraps everything the server pushes down the socket. Session
// events carry the event payload, error frames carry a message.
type serverFrame struct {
	Type      string         `json:"type"`
	Event     *session.Event `json:"event,omitempty"`
	Error     string         `json:"error,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

// WSHandler serves the live event stream. A client subscribes to any number
// of sessions on a single socket and can drive chat and approval answers
// through it as well.
type WSHandler struct {
	svc      *app.Service
	metrics  *app.Metrics
	buffer   int
	upgrader websocket.Upgrader
	logger   logging.Logger
}

func NewWSHandler(svc *app.Service, metrics *app.Metrics, buffer int, logger logging.Logger) *WSHandler {
	return &WSHandler{
		svc:     svc,
		metrics: metrics,
		buffer:  buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin access is governed by the CORS middleware and
			// deployment config, not by the socket handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logging.OrNop(logger),
	}
}

func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		defer h.metrics.ActiveConnections.Dec()
	}

	sub := app.NewSubscriber(h.buffer)
	defer h.svc.Broadcaster().Drop(sub)

	ctrl := make(chan serverFrame, 16)
	done := make(chan struct{})
	go h.writeLoop(conn, sub, ctrl, done)
	defer close(done)

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed: %v", err)
			}
			return
		}
		h.dispatch(sub, ctrl, frame)
	}
}

func (h *WSHandler) dispatch(sub *app.Subscriber, ctrl chan<- serverFrame, frame clientFrame) {
	var err error
	switch frame.Type {
	case "subscribe":
		err = h.subscribe(sub, frame.SessionID)
	case "unsubscribe":
		h.svc.Broadcaster().Unsubscribe(sub, frame.SessionID)
	case "chat":
		err = h.svc.PushMessage(frame.SessionID, frame.Message)
	case "answer_approval":
		if frame.Decision == nil {
			err = app.ValidationError("decision is required")
			break
		}
		err = h.svc.AnswerApproval(frame.SessionID, frame.ApprovalID, *frame.Decision)
	default:
		err = app.ValidationError(fmt.Sprintf("unknown frame type %q", frame.Type))
	}
	if err != nil {
		h.sendCtrl(ctrl, serverFrame{Type: "error", SessionID: frame.SessionID, Error: err.Error()})
	}
}

func (h *WSHandler) subscribe(sub *app.Subscriber, sessionID string) error {
	// Reject unknown sessions up front so the client gets an error frame
	// instead of a silent, event-less subscription.
	if _, err := h.svc.Status(sessionID); err != nil {
		return err
	}
	h.svc.Broadcaster().Subscribe(sub, sessionID)
	return nil
}

func (h *WSHandler) sendCtrl(ctrl chan<- serverFrame, frame serverFrame) {
	select {
	case ctrl <- frame:
	default:
		h.logger.Warn("control frame dropped: client not draining")
	}
}

// writeLoop is the only goroutine writing to conn. It multiplexes session
// events, control frames and keepalive pings.
func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *app.Subscriber, ctrl <-chan serverFrame, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.writeFrame(conn, serverFrame{Type: "event", Event: &ev}); err != nil {
				return
			}
		case frame := <-ctrl:
			if err := h.writeFrame(conn, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WSHandler) writeFrame(conn *websocket.Conn, frame serverFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to encode frame: %v", err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			h.logger.Debug("websocket write failed: %v", err)
		}
		return err
	}
	return nil
}
