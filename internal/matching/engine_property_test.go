package matching_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ksred/exchange-api/internal/database"
	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/matching"
	"github.com/ksred/exchange-api/internal/types"
)

// TestPairPassProperties drives the engine with random order flow and
// checks the invariants that must hold after any pass:
// fills never exceed the original quantity, bought and sold quantities
// balance the produced trades exactly, holdings never go negative and the
// total quantity of the asset is conserved, and the remaining book is
// uncrossed.
func TestPairPassProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		db, err := database.NewTestDatabase()
		require.NoError(rt, err)

		manager := holdings.NewManager(db)
		engine := matching.NewEngine(db, manager)

		require.NoError(rt, db.Create(&types.TradingPair{
			PairID:  "AAPL-USD",
			Symbol:  "AAPL/USD",
			AssetID: "AAPL",
			Active:  true,
		}).Error)

		numOrders := rapid.IntRange(2, 14).Draw(rt, "num_orders")
		sellerReserved := map[string]decimal.Decimal{}

		type orderIntent struct {
			investor string
			side     string
			price    decimal.Decimal
			qty      decimal.Decimal
		}
		intents := make([]orderIntent, 0, numOrders)
		for i := 0; i < numOrders; i++ {
			isBuy := rapid.Bool().Draw(rt, fmt.Sprintf("buy_%d", i))
			// Prices and quantities carry two fractional digits so the
			// pass exercises exact decimal arithmetic, not just integers.
			s := orderIntent{
				price: decimal.New(int64(rapid.IntRange(9000, 11000).Draw(rt, fmt.Sprintf("price_%d", i))), -2),
				qty:   decimal.New(int64(rapid.IntRange(1, 2000).Draw(rt, fmt.Sprintf("qty_%d", i))), -2),
			}
			if isBuy {
				s.side = types.SideBuy
				s.investor = fmt.Sprintf("BUYER_%d", rapid.IntRange(0, 2).Draw(rt, fmt.Sprintf("binv_%d", i)))
			} else {
				s.side = types.SideSell
				s.investor = fmt.Sprintf("SELLER_%d", rapid.IntRange(0, 2).Draw(rt, fmt.Sprintf("sinv_%d", i)))
				reserved, ok := sellerReserved[s.investor]
				if !ok {
					reserved = decimal.Zero
				}
				sellerReserved[s.investor] = reserved.Add(s.qty)
			}
			intents = append(intents, s)
		}

		initialTotal := decimal.Zero
		for investor, reserved := range sellerReserved {
			seedHoldingDec(rt, db, investor, "AAPL", decimal.Zero, reserved)
			initialTotal = initialTotal.Add(reserved)
		}

		base := time.Now().Add(-time.Hour)
		for i, s := range intents {
			insertOrderDec(rt, db, s.investor, "AAPL-USD", s.side, s.price, s.qty, base.Add(time.Duration(i)*time.Second))
		}

		_, _, err = engine.RunPairPass(context.Background(), "AAPL-USD")
		require.NoError(rt, err)

		var all []types.Order
		require.NoError(rt, db.Find(&all).Error)

		boughtTotal := decimal.Zero
		soldTotal := decimal.Zero
		bestBid := decimal.Zero
		bestAsk := decimal.Zero
		haveBid, haveAsk := false, false
		for _, o := range all {
			require.False(rt, o.FulfilledQty.IsNegative(), "negative fill on %s", o.OrderID)
			require.False(rt, o.FulfilledQty.GreaterThan(o.OriginalQty),
				"overfill on %s: %s > %s", o.OrderID, o.FulfilledQty, o.OriginalQty)
			require.Equal(rt, types.FulfillmentStatusFor(o.FulfilledQty, o.OriginalQty), o.FulfillmentStatus)

			if o.Side == types.SideBuy {
				boughtTotal = boughtTotal.Add(o.FulfilledQty)
			} else {
				soldTotal = soldTotal.Add(o.FulfilledQty)
			}

			if o.Status != types.OrderStatusOpen || !o.RemainingQty().IsPositive() {
				continue
			}
			if o.Side == types.SideBuy {
				if !haveBid || o.Price.GreaterThan(bestBid) {
					bestBid, haveBid = o.Price, true
				}
			} else {
				if !haveAsk || o.Price.LessThan(bestAsk) {
					bestAsk, haveAsk = o.Price, true
				}
			}
		}

		var trades []types.Trade
		require.NoError(rt, db.Find(&trades).Error)
		tradedTotal := decimal.Zero
		for _, tr := range trades {
			require.True(rt, tr.TradedQty.IsPositive())
			require.True(rt, tr.TradedPrice.IsPositive())
			tradedTotal = tradedTotal.Add(tr.TradedQty)
		}

		require.True(rt, boughtTotal.Equal(soldTotal),
			"bought %s != sold %s", boughtTotal, soldTotal)
		require.True(rt, tradedTotal.Equal(boughtTotal),
			"traded %s != bought %s", tradedTotal, boughtTotal)

		// A finished pass leaves no crossed book behind.
		if haveBid && haveAsk {
			require.True(rt, bestBid.LessThan(bestAsk),
				"book still crossed: bid %s >= ask %s", bestBid, bestAsk)
		}

		var positions []types.Holding
		require.NoError(rt, db.Find(&positions).Error)
		finalTotal := decimal.Zero
		for _, h := range positions {
			require.False(rt, h.AvailableQty.IsNegative(), "negative available for %s", h.InvestorID)
			require.False(rt, h.ReservedQty.IsNegative(), "negative reservation for %s", h.InvestorID)
			finalTotal = finalTotal.Add(h.AvailableQty).Add(h.ReservedQty)
		}
		require.True(rt, initialTotal.Equal(finalTotal),
			"asset total changed: started %s, ended %s", initialTotal, finalTotal)
	})
}
