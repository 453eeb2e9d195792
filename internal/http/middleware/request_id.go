package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dztow/backend/internal/events"
)

const RequestIDHeader = "X-Request-Id"

// RequestID propagates or generates X-Request-Id and carries it into the
// request context as the correlation id of emitted events.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = "req_" + uuid.NewString()
		}
		c.Set(RequestIDHeader, rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(events.WithCorrelationID(c.Request.Context(), rid))
		c.Next()
	}
}
