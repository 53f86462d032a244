package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/types"
)

// Consumer applies upstream order-lifecycle events at most once. The
// idempotency record insert and the event's side effect share one
// transaction: both commit or neither does, so a crash between them can
// never silently drop an update or apply one twice.
type Consumer struct {
	db       *gorm.DB
	holdings *holdings.Manager
}

// NewConsumer creates an event consumer over the given database connection
// and reservation manager.
func NewConsumer(db *gorm.DB, manager *holdings.Manager) *Consumer {
	return &Consumer{db: db, holdings: manager}
}

// Process handles one envelope. It returns an Outcome when the message is
// settled (applied, duplicate, permanently rejected, or dead-lettered) and
// an error only for transient failures, where nothing was committed and
// the transport should redeliver.
func (c *Consumer) Process(ctx context.Context, env Envelope) (*Outcome, error) {
	logger := log.With().
		Str("component", "event_consumer").
		Str("message_id", env.MessageID).
		Str("source", env.Source).
		Str("type", env.Type).
		Logger()

	if env.MessageID == "" || env.Source == "" {
		// No dedup key: nothing to gate on, reject without retry.
		logger.Error().Msg("envelope missing message id or source")
		return &Outcome{Status: OutcomeRejected, Reason: "missing message id or source"}, nil
	}

	outcome := &Outcome{Status: OutcomeApplied}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := IdempotencyRecord{
			MessageID:   env.MessageID,
			Source:      env.Source,
			FirstSeenAt: time.Now(),
		}
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return types.ErrDuplicateEvent
			}
			return err
		}

		if isDeadLetter(env.Type) {
			outcome.Status = OutcomeDeadLettered
			outcome.Reason = "dead-lettered by upstream, flagged for reconciliation"
			return c.recordSyncError(tx, env, orderIDFromPayload(env), "dead-letter redelivery from broker")
		}

		// The side effect runs in a savepoint: a failed apply rolls back
		// its partial writes (a reservation taken before a later step
		// failed) while the idempotency record above survives for
		// permanent failures.
		applyErr := tx.Transaction(func(inner *gorm.DB) error {
			return c.apply(inner, env)
		})
		if applyErr == nil {
			return nil
		}
		if !isPermanent(applyErr) {
			return applyErr
		}

		// Permanent failures keep the idempotency record: retrying the
		// same message can never succeed. Record it and acknowledge.
		outcome.Status = OutcomeRejected
		outcome.Reason = applyErr.Error()
		return c.recordSyncError(tx, env, orderIDFromPayload(env), applyErr.Error())
	})

	if errors.Is(err, types.ErrDuplicateEvent) {
		logger.Debug().Msg("duplicate event, skipping")
		return &Outcome{Status: OutcomeDuplicate}, nil
	}
	if err != nil {
		return nil, err
	}

	switch outcome.Status {
	case OutcomeApplied:
		logger.Info().Msg("event applied")
	case OutcomeDeadLettered:
		logger.Warn().Msg("dead-lettered event flagged for reconciliation")
	case OutcomeRejected:
		logger.Warn().Str("reason", outcome.Reason).Msg("event permanently rejected")
	}

	return outcome, nil
}

func (c *Consumer) apply(tx *gorm.DB, env Envelope) error {
	switch env.Type {
	case EventOrderCreate:
		return c.applyCreate(tx, env)
	case EventOrderUpdate:
		return c.applyUpdate(tx, env)
	default:
		return fmt.Errorf("%w: unknown event type %q", types.ErrValidation, env.Type)
	}
}

// applyCreate imports an upstream order as REFERENCE_DATA, reserving
// holdings for sell orders just as a locally placed order would.
func (c *Consumer) applyCreate(tx *gorm.DB, env Envelope) error {
	var payload OrderCreatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed create payload: %v", types.ErrValidation, err)
	}
	if payload.OrderID == "" || payload.InvestorID == "" {
		return fmt.Errorf("%w: create payload missing order or investor id", types.ErrValidation)
	}
	if payload.Side != types.SideBuy && payload.Side != types.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", types.ErrValidation, payload.Side)
	}
	if !payload.Price.IsPositive() || !payload.OriginalQty.IsPositive() {
		return fmt.Errorf("%w: price and qty must be positive", types.ErrValidation)
	}
	if !types.ScaleValid(payload.Price) || !types.ScaleValid(payload.OriginalQty) {
		return fmt.Errorf("%w: at most %d fractional digits", types.ErrValidation, types.MaxScale)
	}

	var pair types.TradingPair
	if err := tx.Where("pair_id = ?", payload.TradingPairID).First(&pair).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: trading pair %s", types.ErrNotFound, payload.TradingPairID)
		}
		return err
	}
	if !pair.Active {
		return fmt.Errorf("%w: trading pair %s is inactive", types.ErrValidation, payload.TradingPairID)
	}

	if payload.Side == types.SideSell {
		if err := c.holdings.Reserve(tx, payload.InvestorID, pair.AssetID, payload.OriginalQty); err != nil {
			return err
		}
	}

	order := &types.Order{
		OrderID:           payload.OrderID,
		InvestorID:        payload.InvestorID,
		TradingPairID:     payload.TradingPairID,
		Side:              payload.Side,
		Kind:              types.KindReferenceData,
		Price:             payload.Price,
		OriginalQty:       payload.OriginalQty,
		FulfilledQty:      decimal.Zero,
		Status:            types.OrderStatusOpen,
		FulfillmentStatus: types.FulfillmentNone,
		ExpiresAt:         payload.ExpiresAt,
	}
	if err := tx.Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: order %s already imported", types.ErrValidation, payload.OrderID)
		}
		return err
	}

	return nil
}

// applyUpdate applies permitted field changes to a REFERENCE_DATA order.
// Updates targeting EXCHANGE orders are invalid by definition: that state
// is owned by the matching engine.
func (c *Consumer) applyUpdate(tx *gorm.DB, env Envelope) error {
	var payload OrderUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed update payload: %v", types.ErrValidation, err)
	}
	if payload.OrderID == "" {
		return fmt.Errorf("%w: update payload missing order id", types.ErrValidation)
	}

	var order types.Order
	if err := tx.Where("order_id = ?", payload.OrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: order %s", types.ErrNotFound, payload.OrderID)
		}
		return err
	}
	if order.Kind != types.KindReferenceData {
		return types.ErrUnsupportedUpdate
	}

	var pair types.TradingPair
	if err := tx.Where("pair_id = ?", order.TradingPairID).First(&pair).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: trading pair %s", types.ErrNotFound, order.TradingPairID)
		}
		return err
	}

	if payload.Price != nil {
		if !payload.Price.IsPositive() {
			return fmt.Errorf("%w: price must be positive", types.ErrValidation)
		}
		if !types.ScaleValid(*payload.Price) {
			return fmt.Errorf("%w: at most %d fractional digits", types.ErrValidation, types.MaxScale)
		}
		order.Price = *payload.Price
	}
	qtyDelta := decimal.Zero
	if payload.OriginalQty != nil {
		if !payload.OriginalQty.IsPositive() || payload.OriginalQty.LessThan(order.FulfilledQty) {
			return fmt.Errorf("%w: original_qty %s below fulfilled %s",
				types.ErrValidation, payload.OriginalQty, order.FulfilledQty)
		}
		if !types.ScaleValid(*payload.OriginalQty) {
			return fmt.Errorf("%w: at most %d fractional digits", types.ErrValidation, types.MaxScale)
		}
		qtyDelta = payload.OriginalQty.Sub(order.OriginalQty)
		order.OriginalQty = *payload.OriginalQty
		order.FulfillmentStatus = types.FulfillmentStatusFor(order.FulfilledQty, order.OriginalQty)
	}

	// Reservations track the quantity edits on open sell orders, exactly
	// as the local reference-update path does.
	adjustReservation := order.Side == types.SideSell && order.Status == types.OrderStatusOpen
	if adjustReservation {
		switch {
		case qtyDelta.IsPositive():
			if err := c.holdings.Reserve(tx, order.InvestorID, pair.AssetID, qtyDelta); err != nil {
				return err
			}
		case qtyDelta.IsNegative():
			if err := c.holdings.Release(tx, order.InvestorID, pair.AssetID, qtyDelta.Neg()); err != nil {
				return err
			}
		}
	}

	if err := tx.Save(&order).Error; err != nil {
		return err
	}
	if payload.Deleted != nil && *payload.Deleted {
		if adjustReservation {
			if err := c.holdings.Release(tx, order.InvestorID, pair.AssetID, order.RemainingQty()); err != nil {
				return err
			}
		}
		return tx.Delete(&order).Error
	}

	return nil
}

func (c *Consumer) recordSyncError(tx *gorm.DB, env Envelope, orderID, reason string) error {
	return tx.Create(&SyncErrorLog{
		MessageID: env.MessageID,
		Source:    env.Source,
		EventType: env.Type,
		OrderID:   orderID,
		Reason:    reason,
	}).Error
}

// ListUnresolved returns sync errors awaiting manual reconciliation.
func (c *Consumer) ListUnresolved() ([]SyncErrorLog, error) {
	var logs []SyncErrorLog
	if err := c.db.Where("resolved = ?", false).Order("created_at ASC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// Resolve marks one sync error as manually reconciled.
func (c *Consumer) Resolve(id uint) error {
	res := c.db.Model(&SyncErrorLog{}).Where("id = ?", id).Update("resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: sync error %d", types.ErrNotFound, id)
	}
	return nil
}

// isPermanent reports whether retrying the event could ever succeed.
func isPermanent(err error) bool {
	return errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrUnsupportedUpdate) ||
		errors.Is(err, types.ErrInsufficientHoldings)
}

func isDeadLetter(eventType string) bool {
	switch eventType {
	case EventOrderSyncFailed, EventOrderMatchFailed, EventOrderUpdateFailed:
		return true
	}
	return false
}

// orderIDFromPayload best-effort extracts the order id for the sync error
// log; a payload too malformed to parse just leaves it empty.
func orderIDFromPayload(env Envelope) string {
	var head struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(env.Payload, &head); err != nil {
		return ""
	}
	return head.OrderID
}
