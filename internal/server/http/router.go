package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txkodo/claude-code-web/internal/logging"
	"github.com/txkodo/claude-code-web/internal/server/app"
)

// RouterConfig carries the transport-level knobs.
type RouterConfig struct {
	// AllowedOrigins lists the origins permitted by CORS. Empty means any.
	AllowedOrigins []string
	// EventBuffer is the per-connection event queue size for websocket clients.
	EventBuffer int
}

// NewRouter wires the REST API, the websocket event stream and the metrics
// endpoint onto a gin engine.
func NewRouter(svc *app.Service, metrics *app.Metrics, gatherer prometheus.Gatherer, cfg RouterConfig, logger logging.Logger) *gin.Engine {
	logger = logging.OrNop(logger)
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsCfg))

	api := NewAPIHandler(svc, logger)
	ws := NewWSHandler(svc, metrics, cfg.EventBuffer, logger)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	group := router.Group("/api")
	{
		group.POST("/sessions", api.CreateSession)
		group.GET("/sessions", api.ListSessions)
		group.GET("/sessions/:id/messages", api.GetMessages)
		group.GET("/sessions/:id/status", api.GetStatus)
		group.POST("/sessions/:id/messages", api.PushMessage)
		group.POST("/sessions/:id/approvals/:approvalId", api.AnswerApproval)
		group.POST("/sessions/:id/cancel", api.CancelSession)
		group.POST("/permissions/:token", api.DispatchPermission)
		group.GET("/ws", ws.Handle)
	}

	return router
}
