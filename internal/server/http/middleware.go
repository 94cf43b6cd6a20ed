package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/txkodo/claude-code-web/internal/logging"
)

// RequestLogger logs every request with method, path, status and duration.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
