package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Event types delivered by the upstream back-office system. The *_FAILED
// variants are dead-letter redeliveries: the broker hands them back after
// repeated downstream failure and they must never be retried automatically.
const (
	EventOrderCreate = "ORDER_CREATE"
	EventOrderUpdate = "ORDER_UPDATE"

	EventOrderSyncFailed   = "ORDER_SYNC_FAILED"
	EventOrderMatchFailed  = "ORDER_MATCH_FAILED"
	EventOrderUpdateFailed = "ORDER_UPDATE_FAILED"
)

// Known event sources.
const (
	SourceBackOffice = "BACK_OFFICE"
)

// Envelope is the wire form of one inbound event.
type Envelope struct {
	MessageID  string          `json:"message_id"`
	Source     string          `json:"source"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// IdempotencyRecord is the dedup ledger entry for an inbound event. Its
// insert is the sole admission gate for processing: the composite unique
// index makes concurrent consumers safe without application-level locking.
type IdempotencyRecord struct {
	gorm.Model  `json:"-"`
	MessageID   string    `gorm:"uniqueIndex:idx_idempotency_message_source" json:"message_id"`
	Source      string    `gorm:"uniqueIndex:idx_idempotency_message_source" json:"source"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// SyncErrorLog records a permanently-failed or dead-lettered event for
// manual reconciliation. These are never retried automatically.
type SyncErrorLog struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	MessageID  string    `gorm:"index" json:"message_id"`
	Source     string    `json:"source"`
	EventType  string    `json:"event_type"`
	OrderID    string    `gorm:"index" json:"order_id"`
	Reason     string    `json:"reason"`
	Resolved   bool      `json:"resolved"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrderCreatePayload mirrors upstream order state for import.
type OrderCreatePayload struct {
	OrderID       string          `json:"order_id"`
	InvestorID    string          `json:"investor_id"`
	TradingPairID string          `json:"trading_pair_id"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	OriginalQty   decimal.Decimal `json:"original_qty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// OrderUpdatePayload carries the permitted field changes for a
// REFERENCE_DATA order. Nil fields are left untouched.
type OrderUpdatePayload struct {
	OrderID     string           `json:"order_id"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	OriginalQty *decimal.Decimal `json:"original_qty,omitempty"`
	Deleted     *bool            `json:"deleted,omitempty"`
}

// Outcome classification for a processed envelope.
const (
	OutcomeApplied      = "APPLIED"
	OutcomeDuplicate    = "DUPLICATE"
	OutcomeRejected     = "REJECTED"
	OutcomeDeadLettered = "DEAD_LETTERED"
)

// Outcome reports what happened to one envelope. Transient failures return
// an error instead: nothing was committed and the transport should
// redeliver.
type Outcome struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
