package events

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/exchange-api/pkg/response"
)

// GinHandlers contains HTTP handlers for the reconciliation surface.
type GinHandlers struct {
	consumer *Consumer
}

// NewGinHandlers creates handlers for the internal reconciliation
// endpoints.
func NewGinHandlers(consumer *Consumer) *GinHandlers {
	return &GinHandlers{consumer: consumer}
}

// ListSyncErrorsHandler handles GET requests listing events awaiting
// manual reconciliation.
func (h *GinHandlers) ListSyncErrorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logs, err := h.consumer.ListUnresolved()
		response.Handle(c, logs, err)
	}
}

// ResolveSyncErrorHandler handles POST requests marking one sync error as
// reconciled.
// URL parameter: id
func (h *GinHandlers) ResolveSyncErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid sync error ID")
			return
		}

		if err := h.consumer.Resolve(uint(id)); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"resolved": true})
	}
}
