package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flowmint/internal/auth"
)

// AuditMiddleware logs every write request under /api/ with its outcome.
// Reads are logged at debug level only.
func AuditMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if !strings.HasPrefix(path, "/api/") {
			return
		}
		method := strings.ToUpper(c.Request.Method)
		status := c.Writer.Status()
		level := levelFromStatus(status)
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			if level == zapcore.InfoLevel {
				level = zapcore.DebugLevel
			}
		}
		ce := logger.Check(level, "http request")
		if ce == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
		}
		if claims, ok := auth.ClaimsFrom(c); ok {
			fields = append(fields, zap.String("role", claims.Role), zap.String("merchant_id", claims.MerchantID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}
		ce.Write(fields...)
	}
}

func levelFromStatus(status int) zapcore.Level {
	if status >= 500 {
		return zapcore.ErrorLevel
	}
	if status >= 400 {
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}
