package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order kinds. EXCHANGE orders participate in matching; REFERENCE_DATA
// orders mirror upstream back-office state and are excluded from matching.
const (
	KindExchange      = "EXCHANGE"
	KindReferenceData = "REFERENCE_DATA"
)

// Order statuses
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusExpired   = "EXPIRED"
	OrderStatusComplete  = "COMPLETE"
)

// Fulfillment statuses
const (
	FulfillmentNone     = "NONE"
	FulfillmentPartial  = "PARTIAL"
	FulfillmentComplete = "COMPLETE"
)

// MaxScale is the largest number of fractional digits a price or quantity
// may carry, matching the decimal(20,8) column precision.
const MaxScale = 8

// ScaleValid reports whether d fits within MaxScale fractional digits.
func ScaleValid(d decimal.Decimal) bool {
	return d.Exponent() >= -MaxScale
}

type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	InvestorID        string          `gorm:"index" json:"investor_id"`
	TradingPairID     string          `gorm:"index" json:"trading_pair_id"`
	Side              string          `json:"side"` // BUY or SELL
	Kind              string          `json:"kind"` // EXCHANGE or REFERENCE_DATA
	Price             decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	OriginalQty       decimal.Decimal `gorm:"type:decimal(20,8)" json:"original_qty"`
	FulfilledQty      decimal.Decimal `gorm:"type:decimal(20,8)" json:"fulfilled_qty"`
	Status            string          `json:"status"`
	FulfillmentStatus string          `json:"fulfillment_status"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RemainingQty returns the quantity still open for matching.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.OriginalQty.Sub(o.FulfilledQty)
}

// FulfillmentStatusFor derives the fulfillment status from fulfilled and
// original quantities. It is the single source of truth for that mapping.
func FulfillmentStatusFor(fulfilled, original decimal.Decimal) string {
	switch {
	case fulfilled.IsZero():
		return FulfillmentNone
	case fulfilled.GreaterThanOrEqual(original):
		return FulfillmentComplete
	default:
		return FulfillmentPartial
	}
}

// Trade is an immutable settlement record produced by the matching engine.
type Trade struct {
	gorm.Model    `json:"-"`
	TradeID       string          `gorm:"uniqueIndex" json:"trade_id"`
	BuyOrderID    string          `gorm:"index" json:"buy_order_id"`
	SellOrderID   string          `gorm:"index" json:"sell_order_id"`
	TradingPairID string          `gorm:"index" json:"trading_pair_id"`
	TradedQty     decimal.Decimal `gorm:"type:decimal(20,8)" json:"traded_qty"`
	TradedPrice   decimal.Decimal `gorm:"type:decimal(20,8)" json:"traded_price"`
	CreatedAt     time.Time       `json:"created_at"`
}

type TradingPair struct {
	gorm.Model    `json:"-"`
	PairID        string    `gorm:"uniqueIndex" json:"pair_id"`
	Symbol        string    `json:"symbol"`
	AssetID       string    `gorm:"index" json:"asset_id"`
	QuoteCurrency string    `json:"quote_currency"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Holding is an investor's position in an asset. Written only by the
// holdings reservation manager, inside the caller's transaction.
type Holding struct {
	gorm.Model   `json:"-"`
	InvestorID   string          `gorm:"uniqueIndex:idx_holdings_investor_asset" json:"investor_id"`
	AssetID      string          `gorm:"uniqueIndex:idx_holdings_investor_asset" json:"asset_id"`
	AvailableQty decimal.Decimal `gorm:"type:decimal(20,8)" json:"available_qty"`
	ReservedQty  decimal.Decimal `gorm:"type:decimal(20,8)" json:"reserved_qty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
