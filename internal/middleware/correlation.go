// Package middleware holds the gin middleware shared by the REST and
// WebSocket-upgrade routes.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/netsblox/cloud-topology/internal/logging"
)

// HeaderCorrelationID carries the request's correlation id in both
// directions.
const HeaderCorrelationID = "X-Correlation-ID"

// CorrelationID tags each request with a correlation id: reuse the caller's
// header when present, mint one otherwise. The id is echoed on the response,
// stored on the gin context, and injected into the request context so
// logging picks it up on every line downstream.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}

		c.Header(HeaderCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
