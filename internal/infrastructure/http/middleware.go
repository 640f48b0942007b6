package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0xcro3dile/docchat-go/internal/infrastructure/metrics"
)

const (
	requestIDHeader = "X-Request-ID"
	userIDHeader    = "X-User-ID"

	requestIDKey = "request_id"
	userIDKey    = "user_id"
)

// requestID injects an X-Request-ID header when missing and makes it
// available via the gin context.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set(requestIDHeader, id)
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}

// requestLogger logs every request once it completes.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		if id := c.GetString(requestIDKey); id != "" {
			event = event.Str("request_id", id)
		}
		if user := c.GetString(userIDKey); user != "" {
			event = event.Str("user_id", user)
		}
		if convID := c.Param("id"); convID != "" {
			event = event.Str("conversation_id", convID)
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg(c.Errors.ByType(gin.ErrorTypePrivate).String())
	}
}

// recordMetrics records HTTP request metrics by route template.
func recordMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}

// requireUser rejects requests without the gateway-supplied user id.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(userIDHeader))
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorDetail{
				Kind:    "unauthenticated",
				Code:    "missing_user",
				Message: userIDHeader + " header is required",
			}})
			return
		}
		c.Set(userIDKey, user)
		c.Next()
	}
}

// limitBody caps the request body size.
func limitBody(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			abortTooLarge(c, "request body exceeds %d bytes", max)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}
