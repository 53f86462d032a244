package orders

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/exchange-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints.
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints.
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// PlaceOrderHandler handles POST requests to create new orders.
// Request body should contain the order intent.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.PlaceOrder(req)
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles PATCH requests to cancel an open order.
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.CancelOrder(orderID)
		response.Handle(c, order, err)
	}
}

// UpdateOrderHandler handles PATCH requests editing reference-data orders.
// Only price, original_qty and deleted can be modified, and only for
// orders with kind=REFERENCE_DATA.
func (h *GinHandlers) UpdateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		var req UpdateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.UpdateReferenceOrder(orderID, req)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for a single order.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		order, err := h.service.GetOrder(orderID)
		response.Handle(c, order, err)
	}
}

// GetOrderBookHandler handles GET requests for the aggregated book of a
// trading pair.
// URL parameter: pair_id
func (h *GinHandlers) GetOrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		book, err := h.service.GetOrderBook(c.Param("pair_id"))
		response.Handle(c, book, err)
	}
}

// GetActivitiesHandler handles GET requests for a pair's recent activity.
// URL parameter: pair_id
func (h *GinHandlers) GetActivitiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		activities, err := h.service.GetActivities(c.Param("pair_id"))
		response.Handle(c, activities, err)
	}
}
