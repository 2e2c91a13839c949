// Package middleware provides gin middleware for the export API.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/errors"
	"github.com/maintainer-dashboard/pdf-export/pkg/idgen"
	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
)

// RequestIDKey is the gin context key holding the request id
const RequestIDKey = "request_id"

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// LoggerConfig holds the configuration for the Logger middleware
type LoggerConfig struct {
	// AccessLog logs successful requests at info level
	AccessLog bool
}

// Logger returns a middleware that logs HTTP requests.
// A nil cfg leaves access logging off.
func Logger(cfg *LoggerConfig) gin.HandlerFunc {
	accessLog := cfg != nil && cfg.AccessLog

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes", c.Writer.Size()),
		}
		if id := c.GetString(RequestIDKey); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("Server error", fields...)
		case status >= 400:
			logger.Warn("Client error", fields...)
		default:
			if accessLog {
				logger.Info("Request", fields...)
			}
		}
	}
}

// Recovery returns a middleware that recovers from panics
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    errors.ErrCodeInternal,
					"message": "Internal server error",
				})
			}
		}()
		c.Next()
	}
}

// CORS returns a middleware that sets CORS headers for whitelisted origins.
// The origin "*" allows any origin.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	originSet := make(map[string]bool, len(allowedOrigins))
	anyOrigin := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			anyOrigin = true
		}
		originSet[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowed := origin != "" && (anyOrigin || originSet[origin])

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			// Content-Disposition has to be exposed or browsers hide the filename
			c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, Content-Disposition, X-Export-Tab-Count, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			if allowed {
				c.AbortWithStatus(http.StatusNoContent)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
			}
			return
		}

		c.Next()
	}
}

// RequestID returns a middleware that adds a request ID to the context
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Request.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = idgen.NewRequestID()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// ErrorHandler renders errors attached with c.Error when the handler wrote
// no response itself. Outside debug mode 5xx messages are replaced.
func ErrorHandler(debugMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr, ok := errors.AsAppError(err); ok {
			status := appErr.HTTPStatus()
			response := gin.H{"code": appErr.Code, "message": appErr.Message}
			if status >= http.StatusInternalServerError && !debugMode {
				response["message"] = "Internal server error"
			}
			if appErr.Details != nil && (debugMode || status < http.StatusInternalServerError) {
				response["details"] = appErr.Details
			}
			c.JSON(status, response)
			return
		}

		msg := "Internal server error"
		if debugMode {
			msg = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    errors.ErrCodeInternal,
			"message": msg,
		})
	}
}
