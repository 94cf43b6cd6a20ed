package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/txkodo/claude-code-web/internal/approval"
	"github.com/txkodo/claude-code-web/internal/logging"
	"github.com/txkodo/claude-code-web/internal/server/app"
)

// APIHandler exposes the session service over REST.
type APIHandler struct {
	svc    *app.Service
	logger logging.Logger
}

func NewAPIHandler(svc *app.Service, logger logging.Logger) *APIHandler {
	return &APIHandler{svc: svc, logger: logging.OrNop(logger)}
}

type createSessionRequest struct {
	Cwd string `json:"cwd"`
}

type pushMessageRequest struct {
	Message string `json:"message"`
}

func (h *APIHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, err := h.svc.CreateSession(req.Cwd)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": id})
}

func (h *APIHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessionIds": h.svc.ListSessions()})
}

func (h *APIHandler) GetMessages(c *gin.Context) {
	messages, err := h.svc.Messages(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *APIHandler) GetStatus(c *gin.Context) {
	status, err := h.svc.Status(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandler) PushMessage(c *gin.Context) {
	var req pushMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.svc.PushMessage(c.Param("id"), req.Message); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *APIHandler) AnswerApproval(c *gin.Context) {
	var decision approval.Decision
	if err := c.ShouldBindJSON(&decision); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if decision.Behavior != approval.BehaviorAllow && decision.Behavior != approval.BehaviorDeny {
		c.JSON(http.StatusBadRequest, gin.H{"error": "behavior must be allow or deny"})
		return
	}
	if err := h.svc.AnswerApproval(c.Param("id"), c.Param("approvalId"), decision); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandler) CancelSession(c *gin.Context) {
	if err := h.svc.CancelSession(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DispatchPermission hands a permission callback from the agent process to the
// session that registered the token, and replies with the user's decision.
func (h *APIHandler) DispatchPermission(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	decision, err := h.svc.DispatchPermission(c.Request.Context(), c.Param("token"), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *APIHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrBusy):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
