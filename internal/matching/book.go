package matching

import (
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/ksred/exchange-api/internal/types"
)

// bookEntry is an open order loaded into a matching pass. Fulfilled holds
// the value seen at load (or after the last fill this pass) and doubles as
// the optimistic-concurrency token for the guarded order update.
type bookEntry struct {
	OrderID    string
	InvestorID string
	Side       string
	Price      decimal.Decimal
	CreatedAt  time.Time
	Original   decimal.Decimal
	Fulfilled  decimal.Decimal
}

func (e *bookEntry) remaining() decimal.Decimal {
	return e.Original.Sub(e.Fulfilled)
}

// bidLess orders the bid side: price descending, then created_at
// ascending, then order ID. Min() is the best bid.
func bidLess(a, b *bookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// askLess orders the ask side: price ascending, then created_at ascending,
// then order ID. Min() is the best ask.
func askLess(a, b *bookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// pairBook holds the bid and ask sides of one trading pair for the
// duration of a matching pass. It is not safe for concurrent use; the
// pass holds the pair lock while it exists.
type pairBook struct {
	bids *btree.BTreeG[*bookEntry]
	asks *btree.BTreeG[*bookEntry]
}

const btreeDegree = 32

func newPairBook(open []types.Order) *pairBook {
	book := &pairBook{
		bids: btree.NewG(btreeDegree, bidLess),
		asks: btree.NewG(btreeDegree, askLess),
	}
	for i := range open {
		o := &open[i]
		entry := &bookEntry{
			OrderID:    o.OrderID,
			InvestorID: o.InvestorID,
			Side:       o.Side,
			Price:      o.Price,
			CreatedAt:  o.CreatedAt,
			Original:   o.OriginalQty,
			Fulfilled:  o.FulfilledQty,
		}
		if entry.remaining().IsPositive() {
			book.insert(entry)
		}
	}
	return book
}

func (b *pairBook) insert(entry *bookEntry) {
	if entry.Side == types.SideBuy {
		b.bids.ReplaceOrInsert(entry)
	} else {
		b.asks.ReplaceOrInsert(entry)
	}
}

func (b *pairBook) remove(entry *bookEntry) {
	if entry.Side == types.SideBuy {
		b.bids.Delete(entry)
	} else {
		b.asks.Delete(entry)
	}
}

func (b *pairBook) bestBid() (*bookEntry, bool) {
	return b.bids.Min()
}

func (b *pairBook) bestAsk() (*bookEntry, bool) {
	return b.asks.Min()
}
