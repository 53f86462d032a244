package orders

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/types"
)

// maxPriceScale is the largest number of fractional digits accepted on
// prices and quantities.
const maxPriceScale = types.MaxScale

const activityLimit = 50

// Service handles order placement, cancellation, reference-data updates and
// the order-book read model.
type Service struct {
	db       *Database
	gormDB   *gorm.DB
	holdings *holdings.Manager
}

// NewService creates a new orders service with the given database
// connection and reservation manager.
func NewService(gormDB *gorm.DB, manager *holdings.Manager) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		gormDB:   gormDB,
		holdings: manager,
	}
}

// PlaceOrderRequest carries a new trading intent.
type PlaceOrderRequest struct {
	InvestorID    string           `json:"investor_id" binding:"required"`
	TradingPairID string           `json:"trading_pair_id" binding:"required"`
	Side          string           `json:"side" binding:"required"`
	Price         decimal.Decimal  `json:"price"`
	Qty           decimal.Decimal  `json:"qty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

// UpdateOrderRequest carries the permitted edits of a REFERENCE_DATA order.
type UpdateOrderRequest struct {
	Price       *decimal.Decimal `json:"price,omitempty"`
	OriginalQty *decimal.Decimal `json:"original_qty,omitempty"`
	Deleted     *bool            `json:"deleted,omitempty"`
}

// PlaceOrder validates and persists a new EXCHANGE order. Sell orders
// reserve holdings inside the same transaction as the order insert: either
// both happen or neither, so no order can exist without its reservation.
func (s *Service) PlaceOrder(req PlaceOrderRequest) (*types.Order, error) {
	if err := validateIntent(req.Side, req.Price, req.Qty); err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", types.ErrValidation)
	}

	pair, err := s.db.GetTradingPair(req.TradingPairID)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: trading pair %s", types.ErrNotFound, req.TradingPairID)
	}
	if !pair.Active {
		return nil, fmt.Errorf("%w: trading pair %s is inactive", types.ErrValidation, req.TradingPairID)
	}

	order := &types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		InvestorID:        req.InvestorID,
		TradingPairID:     req.TradingPairID,
		Side:              req.Side,
		Kind:              types.KindExchange,
		Price:             req.Price,
		OriginalQty:       req.Qty,
		FulfilledQty:      decimal.Zero,
		Status:            types.OrderStatusOpen,
		FulfillmentStatus: types.FulfillmentNone,
		ExpiresAt:         req.ExpiresAt,
	}

	err = s.gormDB.Transaction(func(tx *gorm.DB) error {
		if order.Side == types.SideSell {
			if err := s.holdings.Reserve(tx, order.InvestorID, pair.AssetID, order.OriginalQty); err != nil {
				return err
			}
		}
		return tx.Create(order).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "orders").
		Str("order_id", order.OrderID).
		Str("side", order.Side).
		Str("trading_pair_id", order.TradingPairID).
		Str("qty", order.OriginalQty.String()).
		Msg("order placed")

	return order, nil
}

// CancelOrder transitions an OPEN order to CANCELLED and releases any
// remaining sell reservation. The status/fulfilled_qty guard makes the
// cancel mutually exclusive with a matching pass touching the same order:
// if either moved, nothing is changed and ErrOrderNotOpen is returned.
func (s *Service) CancelOrder(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", types.ErrNotFound, orderID)
	}

	pair, err := s.db.GetTradingPair(order.TradingPairID)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: trading pair %s", types.ErrNotFound, order.TradingPairID)
	}

	remaining := order.RemainingQty()

	err = s.gormDB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Order{}).
			Where("order_id = ? AND status = ? AND fulfilled_qty = ?",
				order.OrderID, types.OrderStatusOpen, order.FulfilledQty).
			Update("status", types.OrderStatusCancelled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.ErrOrderNotOpen
		}

		if order.Side == types.SideSell {
			return s.holdings.Release(tx, order.InvestorID, pair.AssetID, remaining)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	order.Status = types.OrderStatusCancelled

	log.Info().
		Str("service", "orders").
		Str("order_id", order.OrderID).
		Str("released", remaining.String()).
		Msg("order cancelled")

	return order, nil
}

// UpdateReferenceOrder applies permitted field changes to a REFERENCE_DATA
// order. EXCHANGE orders are never editable through this path.
func (s *Service) UpdateReferenceOrder(orderID string, req UpdateOrderRequest) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", types.ErrNotFound, orderID)
	}
	if order.Kind != types.KindReferenceData {
		return nil, types.ErrUnsupportedUpdate
	}

	pair, err := s.db.GetTradingPair(order.TradingPairID)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: trading pair %s", types.ErrNotFound, order.TradingPairID)
	}

	if req.Price != nil {
		if !req.Price.IsPositive() || req.Price.Exponent() < -maxPriceScale {
			return nil, fmt.Errorf("%w: invalid price %s", types.ErrValidation, req.Price)
		}
		order.Price = *req.Price
	}
	qtyDelta := decimal.Zero
	if req.OriginalQty != nil {
		if !req.OriginalQty.IsPositive() || req.OriginalQty.LessThan(order.FulfilledQty) {
			return nil, fmt.Errorf("%w: original_qty %s below fulfilled %s",
				types.ErrValidation, req.OriginalQty, order.FulfilledQty)
		}
		qtyDelta = req.OriginalQty.Sub(order.OriginalQty)
		order.OriginalQty = *req.OriginalQty
		order.FulfillmentStatus = types.FulfillmentStatusFor(order.FulfilledQty, order.OriginalQty)
	}

	// Reservations follow the quantity edits on open sell orders. A grown
	// order reserves the extra quantity, a shrunk one returns it, and a
	// soft delete returns whatever is still unfilled.
	adjustReservation := order.Side == types.SideSell && order.Status == types.OrderStatusOpen

	err = s.gormDB.Transaction(func(tx *gorm.DB) error {
		if adjustReservation {
			switch {
			case qtyDelta.IsPositive():
				if err := s.holdings.Reserve(tx, order.InvestorID, pair.AssetID, qtyDelta); err != nil {
					return err
				}
			case qtyDelta.IsNegative():
				if err := s.holdings.Release(tx, order.InvestorID, pair.AssetID, qtyDelta.Neg()); err != nil {
					return err
				}
			}
		}
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		if req.Deleted != nil && *req.Deleted {
			if adjustReservation {
				if err := s.holdings.Release(tx, order.InvestorID, pair.AssetID, order.RemainingQty()); err != nil {
					return err
				}
			}
			return tx.Delete(order).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder retrieves an order by its ID.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", types.ErrNotFound, orderID)
	}
	return order, nil
}

// GetOrderBook builds the price-aggregated book for a trading pair: buy
// levels sorted by price descending, sell levels ascending.
func (s *Service) GetOrderBook(pairID string) (*types.OrderBook, error) {
	pair, err := s.db.GetTradingPair(pairID)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: trading pair %s", types.ErrNotFound, pairID)
	}

	buy, err := s.db.GetBookLevels(pairID, types.SideBuy, "DESC")
	if err != nil {
		return nil, err
	}
	sell, err := s.db.GetBookLevels(pairID, types.SideSell, "ASC")
	if err != nil {
		return nil, err
	}

	return &types.OrderBook{
		TradingPairID: pairID,
		Buy:           buy,
		Sell:          sell,
	}, nil
}

// GetActivities returns the recent order and trade activity for a trading
// pair, newest first.
func (s *Service) GetActivities(pairID string) ([]types.Activity, error) {
	pair, err := s.db.GetTradingPair(pairID)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: trading pair %s", types.ErrNotFound, pairID)
	}

	recentOrders, err := s.db.GetRecentOrders(pairID, activityLimit)
	if err != nil {
		return nil, err
	}
	recentTrades, err := s.db.GetRecentTrades(pairID, activityLimit)
	if err != nil {
		return nil, err
	}

	activities := make([]types.Activity, 0, len(recentOrders)+len(recentTrades))
	for _, o := range recentOrders {
		activities = append(activities, types.Activity{
			Type:        "ORDER",
			ReferenceID: o.OrderID,
			Side:        o.Side,
			Status:      o.Status,
			Price:       o.Price,
			Qty:         o.OriginalQty,
			OccurredAt:  o.CreatedAt,
		})
	}
	for _, t := range recentTrades {
		activities = append(activities, types.Activity{
			Type:        "TRADE",
			ReferenceID: t.TradeID,
			Price:       t.TradedPrice,
			Qty:         t.TradedQty,
			OccurredAt:  t.CreatedAt,
		})
	}

	sort.Slice(activities, func(i, j int) bool {
		return activities[i].OccurredAt.After(activities[j].OccurredAt)
	})
	if len(activities) > activityLimit {
		activities = activities[:activityLimit]
	}

	return activities, nil
}

func validateIntent(side string, price, qty decimal.Decimal) error {
	if side != types.SideBuy && side != types.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", types.ErrValidation, side)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", types.ErrValidation, price)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: qty must be positive, got %s", types.ErrValidation, qty)
	}
	if price.Exponent() < -maxPriceScale || qty.Exponent() < -maxPriceScale {
		return fmt.Errorf("%w: at most %d fractional digits", types.ErrValidation, maxPriceScale)
	}
	return nil
}
