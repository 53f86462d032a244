package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/types"
)

// Engine converts the set of OPEN EXCHANGE orders into trades using
// price-time priority. Passes over the same trading pair are serialized by
// a pair-scoped lock; passes over different pairs run freely in parallel.
// Consistency against concurrent cancels and other engine instances comes
// from the optimistic guards inside each trade transaction, not the lock.
type Engine struct {
	db       *gorm.DB
	holdings *holdings.Manager

	mu        sync.Mutex
	pairLocks map[string]*sync.Mutex
}

// NewEngine creates a matching engine over the given database connection
// and reservation manager.
func NewEngine(db *gorm.DB, manager *holdings.Manager) *Engine {
	return &Engine{
		db:        db,
		holdings:  manager,
		pairLocks: make(map[string]*sync.Mutex),
	}
}

// staleLegError marks a leg whose order was no longer OPEN (or had been
// filled concurrently) when the trade transaction tried to commit. The
// trade rolls back without partial effect and the pass drops the order.
type staleLegError struct {
	OrderID string
}

func (e *staleLegError) Error() string {
	return fmt.Sprintf("%v: %s", types.ErrOrderNotOpen, e.OrderID)
}

func (e *staleLegError) Unwrap() error {
	return types.ErrOrderNotOpen
}

// RunPass runs one matching pass over every trading pair that currently
// has open exchange orders. Per-pair failures are reported and isolated;
// the remaining pairs still run.
func (e *Engine) RunPass(ctx context.Context) (*types.MatchingReport, error) {
	var pairIDs []string
	err := e.db.Model(&types.Order{}).
		Where("status = ? AND kind = ?", types.OrderStatusOpen, types.KindExchange).
		Distinct("trading_pair_id").
		Pluck("trading_pair_id", &pairIDs).Error
	if err != nil {
		return nil, err
	}

	report := &types.MatchingReport{}
	for _, pairID := range pairIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		considered, produced, err := e.RunPairPass(ctx, pairID)
		report.OrdersConsidered += considered
		report.TradesProduced += produced
		if err != nil {
			log.Error().
				Str("component", "matching_engine").
				Str("trading_pair_id", pairID).
				Err(err).
				Msg("pair pass aborted")
			report.PairFailures = append(report.PairFailures, types.PairFailure{
				TradingPairID: pairID,
				Reason:        err.Error(),
			})
		}
	}

	return report, nil
}

// RunPairPass matches one trading pair to exhaustion: while the best bid
// price is at or above the best ask price, trade the overlapping quantity
// at the resting (earlier-arriving) order's price. Each trade commits in
// its own transaction together with both order updates and both holdings
// settlements.
func (e *Engine) RunPairPass(ctx context.Context, pairID string) (considered, produced int, err error) {
	lock := e.pairLock(pairID)
	lock.Lock()
	defer lock.Unlock()

	var pair types.TradingPair
	if err := e.db.Where("pair_id = ?", pairID).First(&pair).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, 0, fmt.Errorf("%w: trading pair %s", types.ErrNotFound, pairID)
		}
		return 0, 0, err
	}

	var open []types.Order
	err = e.db.Where("trading_pair_id = ? AND status = ? AND kind = ?",
		pairID, types.OrderStatusOpen, types.KindExchange).
		Order("created_at ASC, id ASC").
		Find(&open).Error
	if err != nil {
		return 0, 0, err
	}

	considered = len(open)
	book := newPairBook(open)

	for {
		if err := ctx.Err(); err != nil {
			return considered, produced, err
		}

		bid, haveBid := book.bestBid()
		ask, haveAsk := book.bestAsk()
		if !haveBid || !haveAsk {
			break
		}
		if bid.Price.LessThan(ask.Price) {
			break
		}

		qty := decimal.Min(bid.remaining(), ask.remaining())
		price := restingPrice(bid, ask)

		_, tradeErr := e.executeTrade(&pair, bid, ask, qty, price)
		if tradeErr != nil {
			var stale *staleLegError
			if errors.As(tradeErr, &stale) {
				// The order moved under us (cancel, expiry, another
				// instance). Drop it and keep matching.
				if stale.OrderID == bid.OrderID {
					book.remove(bid)
				} else {
					book.remove(ask)
				}
				continue
			}
			return considered, produced, tradeErr
		}

		produced++

		bid.Fulfilled = bid.Fulfilled.Add(qty)
		ask.Fulfilled = ask.Fulfilled.Add(qty)
		if !bid.remaining().IsPositive() {
			book.remove(bid)
		}
		if !ask.remaining().IsPositive() {
			book.remove(ask)
		}
	}

	return considered, produced, nil
}

// ExecuteManualTrade is the administrative path: it crosses two specific
// orders through the exact validation and transaction the engine uses.
func (e *Engine) ExecuteManualTrade(buyOrderID, sellOrderID string, qty decimal.Decimal) (*types.Trade, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: qty must be positive, got %s", types.ErrValidation, qty)
	}

	buy, err := e.loadOpenOrder(buyOrderID, types.SideBuy)
	if err != nil {
		return nil, err
	}
	sell, err := e.loadOpenOrder(sellOrderID, types.SideSell)
	if err != nil {
		return nil, err
	}
	if buy.TradingPairID != sell.TradingPairID {
		return nil, fmt.Errorf("%w: orders belong to different trading pairs", types.ErrValidation)
	}
	if qty.GreaterThan(buy.RemainingQty()) || qty.GreaterThan(sell.RemainingQty()) {
		return nil, fmt.Errorf("%w: qty %s exceeds remaining quantity", types.ErrValidation, qty)
	}

	var pair types.TradingPair
	if err := e.db.Where("pair_id = ?", buy.TradingPairID).First(&pair).Error; err != nil {
		return nil, err
	}

	lock := e.pairLock(pair.PairID)
	lock.Lock()
	defer lock.Unlock()

	bidEntry := entryFromOrder(buy)
	askEntry := entryFromOrder(sell)

	trade, err := e.executeTrade(&pair, bidEntry, askEntry, qty, restingPrice(bidEntry, askEntry))
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "matching_engine").
		Str("trade_id", trade.TradeID).
		Str("buy_order_id", buyOrderID).
		Str("sell_order_id", sellOrderID).
		Str("qty", qty.String()).
		Msg("manual trade executed")

	return trade, nil
}

// executeTrade commits one trade: guarded updates of both orders, the
// Trade insert, and both holdings settlements, all-or-nothing.
func (e *Engine) executeTrade(pair *types.TradingPair, bid, ask *bookEntry, qty, price decimal.Decimal) (*types.Trade, error) {
	trade := &types.Trade{
		TradeID:       "TRD_" + uuid.New().String(),
		BuyOrderID:    bid.OrderID,
		SellOrderID:   ask.OrderID,
		TradingPairID: pair.PairID,
		TradedQty:     qty,
		TradedPrice:   price,
	}

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := e.fillOrder(tx, bid, qty); err != nil {
			return err
		}
		if err := e.fillOrder(tx, ask, qty); err != nil {
			return err
		}
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		if err := e.holdings.SettleSell(tx, ask.InvestorID, pair.AssetID, qty); err != nil {
			return err
		}
		return e.holdings.SettleBuy(tx, bid.InvestorID, pair.AssetID, qty)
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("component", "matching_engine").
		Str("trade_id", trade.TradeID).
		Str("trading_pair_id", pair.PairID).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Msg("trade executed")

	return trade, nil
}

// fillOrder applies one fill to an order with an optimistic guard on
// (status, fulfilled_qty). Zero rows affected means the order moved since
// it was loaded and the leg must be abandoned.
func (e *Engine) fillOrder(tx *gorm.DB, entry *bookEntry, qty decimal.Decimal) error {
	newFulfilled := entry.Fulfilled.Add(qty)
	if newFulfilled.GreaterThan(entry.Original) {
		log.Error().
			Str("component", "matching_engine").
			Str("order_id", entry.OrderID).
			Str("fulfilled", newFulfilled.String()).
			Str("original", entry.Original.String()).
			Msg("fill would exceed original quantity")
		return fmt.Errorf("%w: fill exceeds original qty on %s", types.ErrInvariantViolation, entry.OrderID)
	}

	fulfillment := types.FulfillmentStatusFor(newFulfilled, entry.Original)
	status := types.OrderStatusOpen
	if fulfillment == types.FulfillmentComplete {
		status = types.OrderStatusComplete
	}

	res := tx.Model(&types.Order{}).
		Where("order_id = ? AND status = ? AND fulfilled_qty = ?",
			entry.OrderID, types.OrderStatusOpen, entry.Fulfilled).
		Updates(map[string]interface{}{
			"fulfilled_qty":      newFulfilled,
			"fulfillment_status": fulfillment,
			"status":             status,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &staleLegError{OrderID: entry.OrderID}
	}

	return nil
}

func (e *Engine) loadOpenOrder(orderID, side string) (*types.Order, error) {
	var order types.Order
	if err := e.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s", types.ErrNotFound, orderID)
		}
		return nil, err
	}
	if order.Side != side {
		return nil, fmt.Errorf("%w: order %s is not a %s order", types.ErrValidation, orderID, side)
	}
	if order.Kind != types.KindExchange {
		return nil, fmt.Errorf("%w: order %s is not an exchange order", types.ErrValidation, orderID)
	}
	if order.Status != types.OrderStatusOpen {
		return nil, fmt.Errorf("%w: %s", types.ErrOrderNotOpen, orderID)
	}
	return &order, nil
}

func (e *Engine) pairLock(pairID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.pairLocks[pairID]
	if !ok {
		lock = &sync.Mutex{}
		e.pairLocks[pairID] = lock
	}
	return lock
}

// restingPrice picks the trade price: the earlier-arriving (resting)
// order's price. On an exact timestamp tie the ask price is used.
func restingPrice(bid, ask *bookEntry) decimal.Decimal {
	if bid.CreatedAt.Before(ask.CreatedAt) {
		return bid.Price
	}
	return ask.Price
}

func entryFromOrder(o *types.Order) *bookEntry {
	return &bookEntry{
		OrderID:    o.OrderID,
		InvestorID: o.InvestorID,
		Side:       o.Side,
		Price:      o.Price,
		CreatedAt:  o.CreatedAt,
		Original:   o.OriginalQty,
		Fulfilled:  o.FulfilledQty,
	}
}
