package handlers

import (
	"time"

	"example.com/backstage/simul/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// UserIDHeader carries the acting user, set by the upstream gateway
const UserIDHeader = "X-User-ID"

const userIDKey = "user_id"

// RequestLogger returns a gin middleware for logging requests
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}
		event.
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("request_id", requestID).
			Msg("Request processed")
	}
}

// Tracing wraps every request in a transaction named after its route
func Tracing(tracer tracing.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := tracer.StartTransaction(c.Request.Method + " " + c.FullPath())
		defer tracer.EndTransaction(txn)

		c.Next()

		tracer.AddAttribute(txn, "status", c.Writer.Status())
		for _, err := range c.Errors {
			tracer.RecordError(txn, err.Err)
		}
	}
}

// RequireUser rejects requests without an acting user
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			writeError(c, ErrUnauthorized)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
