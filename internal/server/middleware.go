package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/apperrors"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "request_id"
	errorCodeKey    = "error_code"

	maxRequestIDLen = 128
)

// RequestID propagates a client-supplied X-Request-Id or generates one, and
// echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := sanitizeRequestID(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func sanitizeRequestID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxRequestIDLen {
		return ""
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return id
}

func requestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// Recovery turns a panic into a 500 with the standard error body.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					zap.String("error", fmt.Sprintf("%v", rec)),
					zap.String("stack", string(debug.Stack())),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.String(requestIDKey, requestIDFrom(c)),
				)
				appErr := apperrors.Internal(fmt.Errorf("panic: %v", rec))
				c.Set(errorCodeKey, string(appErr.Code))
				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.ToResponse())
			}
		}()
		c.Next()
	}
}

// AccessLog logs one line per request: 5xx at error, 4xx at warn, the rest at
// info. /metrics scrapes are logged at debug.
func AccessLog(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), latency)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String(requestIDKey, requestIDFrom(c)),
		}
		if code := c.GetString(errorCodeKey); code != "" {
			fields = append(fields, zap.String("code", code))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request completed", fields...)
		case route == metricsPath:
			logger.Debug("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// AllowRequestedHeaders answers a preflight by allowing whatever headers the
// browser asked for. It must run before the cors middleware, which aborts
// preflight requests.
func AllowRequestedHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodOptions || c.GetHeader("Origin") == "" {
			c.Next()
			return
		}
		if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
			c.Header("Access-Control-Allow-Headers", requested)
		}
		c.Next()
	}
}
