package matching

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/exchange-api/pkg/response"
)

// GinHandlers contains HTTP handlers for the internal matching endpoints.
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates handlers for the internal matching endpoints.
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// RunPassHandler handles POST requests triggering a matching pass and
// returns the {orders_considered, trades_produced} report.
func (h *GinHandlers) RunPassHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.engine.RunPass(c.Request.Context())
		response.Handle(c, report, err)
	}
}

// ManualTradeRequest crosses two specific orders administratively.
type ManualTradeRequest struct {
	BuyOrderID  string          `json:"buy_order_id" binding:"required"`
	SellOrderID string          `json:"sell_order_id" binding:"required"`
	Qty         decimal.Decimal `json:"qty"`
}

// ManualTradeHandler handles POST requests executing a manual trade
// through the engine's standard validation path.
func (h *GinHandlers) ManualTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ManualTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		trade, err := h.engine.ExecuteManualTrade(req.BuyOrderID, req.SellOrderID, req.Qty)
		response.Handle(c, trade, err)
	}
}
