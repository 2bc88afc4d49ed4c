package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader is the header carrying the request correlation id
const RequestIDHeader = "X-Request-ID"

// requestIDKey is the gin context key for the request id
const requestIDKey = "request_id"

// RequestID returns a Gin middleware that assigns each request a UUID,
// honoring an id supplied by the client or an upstream proxy. The id is
// echoed in the response headers and stored in the context for logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromContext returns the request id assigned by RequestID, or
// an empty string when the middleware did not run
func RequestIDFromContext(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
