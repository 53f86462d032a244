package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one aggregated level of the order book: total remaining
// quantity of all open exchange orders at that price.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// OrderBook is the price-aggregated view of a trading pair: buy levels
// sorted by price descending, sell levels by price ascending.
type OrderBook struct {
	TradingPairID string       `json:"trading_pair_id"`
	Buy           []PriceLevel `json:"buy"`
	Sell          []PriceLevel `json:"sell"`
}

// Activity is a single entry in a trading pair's recent-activity feed.
type Activity struct {
	Type        string          `json:"type"` // ORDER or TRADE
	ReferenceID string          `json:"reference_id"`
	Side        string          `json:"side,omitempty"`
	Status      string          `json:"status,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// MatchingReport summarises one matching invocation across all pairs.
type MatchingReport struct {
	OrdersConsidered int           `json:"orders_considered"`
	TradesProduced   int           `json:"trades_produced"`
	PairFailures     []PairFailure `json:"pair_failures,omitempty"`
}

// PairFailure records a per-pair pass that aborted; other pairs continue.
type PairFailure struct {
	TradingPairID string `json:"trading_pair_id"`
	Reason        string `json:"reason"`
}

// ExpiryReport summarises one expiry sweep.
type ExpiryReport struct {
	OrdersExpired int `json:"orders_expired"`
}
