package expiry

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/types"
	"github.com/ksred/exchange-api/pkg/response"
)

// Sweeper transitions OPEN orders past their expiry horizon to EXPIRED and
// releases their holdings reservation. Each order is handled in its own
// transaction with the same optimistic status guard the matching engine
// uses, so re-running a sweep (or racing another instance) is a no-op for
// orders already moved.
type Sweeper struct {
	db       *gorm.DB
	holdings *holdings.Manager
	interval time.Duration
}

// NewSweeper creates an expiry sweeper ticking at the given interval.
func NewSweeper(db *gorm.DB, manager *holdings.Manager, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		holdings: manager,
		interval: interval,
	}
}

// Start begins the sweep loop. It stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting expiry sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry sweeper")
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if report.OrdersExpired > 0 {
				logger.Info().Int("orders_expired", report.OrdersExpired).Msg("expiry sweep complete")
			}
		}
	}
}

// Sweep expires every OPEN order whose expires_at has passed. Order
// transitions are independent: a failure on one order is logged and the
// sweep continues.
func (s *Sweeper) Sweep(ctx context.Context) (*types.ExpiryReport, error) {
	logger := log.With().Str("component", "expiry_sweeper").Logger()

	var due []types.Order
	err := s.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		types.OrderStatusOpen, time.Now()).
		Find(&due).Error
	if err != nil {
		return nil, err
	}

	report := &types.ExpiryReport{}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		order := &due[i]
		expired, err := s.expireOrder(order)
		if err != nil {
			logger.Error().
				Err(err).
				Str("order_id", order.OrderID).
				Msg("failed to expire order")
			continue
		}
		if expired {
			report.OrdersExpired++
		}
	}

	return report, nil
}

func (s *Sweeper) expireOrder(order *types.Order) (bool, error) {
	remaining := order.RemainingQty()
	expired := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Order{}).
			Where("order_id = ? AND status = ? AND fulfilled_qty = ?",
				order.OrderID, types.OrderStatusOpen, order.FulfilledQty).
			Update("status", types.OrderStatusExpired)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Cancelled, completed, or re-swept in the meantime.
			return nil
		}
		expired = true

		if order.Side != types.SideSell || !remaining.IsPositive() {
			return nil
		}

		var pair types.TradingPair
		if err := tx.Where("pair_id = ?", order.TradingPairID).First(&pair).Error; err != nil {
			return err
		}
		return s.holdings.Release(tx, order.InvestorID, pair.AssetID, remaining)
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// GinHandlers contains the HTTP handler for the internal expiry trigger.
type GinHandlers struct {
	sweeper *Sweeper
}

// NewGinHandlers creates handlers for the internal expiry endpoints.
func NewGinHandlers(sweeper *Sweeper) *GinHandlers {
	return &GinHandlers{sweeper: sweeper}
}

// RunSweepHandler handles POST requests triggering an expiry sweep and
// returns the {orders_expired} report.
func (h *GinHandlers) RunSweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.sweeper.Sweep(c.Request.Context())
		response.Handle(c, report, err)
	}
}
