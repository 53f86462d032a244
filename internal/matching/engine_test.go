package matching_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/database"
	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/matching"
	"github.com/ksred/exchange-api/internal/types"
)

// testingT is the subset of testing.T the helpers need. rapid.T
// satisfies it too, so the property tests share the same fixtures.
type testingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	FailNow()
}

func setupEngine(t *testing.T) (*gorm.DB, *matching.Engine) {
	t.Helper()

	db, err := database.NewTestDatabase()
	require.NoError(t, err)

	manager := holdings.NewManager(db)
	engine := matching.NewEngine(db, manager)

	require.NoError(t, db.Create(&types.TradingPair{
		PairID:  "AAPL-USD",
		Symbol:  "AAPL/USD",
		AssetID: "AAPL",
		Active:  true,
	}).Error)

	return db, engine
}

func seedHolding(t testingT, db *gorm.DB, investorID, assetID string, available, reserved int64) {
	t.Helper()

	require.NoError(t, db.Create(&types.Holding{
		InvestorID:   investorID,
		AssetID:      assetID,
		AvailableQty: decimal.NewFromInt(available),
		ReservedQty:  decimal.NewFromInt(reserved),
	}).Error)
}

func getHolding(t testingT, db *gorm.DB, investorID, assetID string) types.Holding {
	t.Helper()

	var holding types.Holding
	require.NoError(t, db.Where("investor_id = ? AND asset_id = ?", investorID, assetID).First(&holding).Error)
	return holding
}

func getOrder(t testingT, db *gorm.DB, orderID string) types.Order {
	t.Helper()

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", orderID).First(&order).Error)
	return order
}

func requireQty(t testingT, expected int64, actual decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.NewFromInt(expected).Equal(actual),
		"expected %d, got %s", expected, actual)
}

// insertOrder writes an open exchange order with a controlled creation
// time. The caller is responsible for seeding a matching reservation when
// the order is a sell.
func insertOrder(t testingT, db *gorm.DB, investorID, pairID, side string, price, qty int64, createdAt time.Time) string {
	t.Helper()

	order := types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		InvestorID:        investorID,
		TradingPairID:     pairID,
		Side:              side,
		Kind:              types.KindExchange,
		Price:             decimal.NewFromInt(price),
		OriginalQty:       decimal.NewFromInt(qty),
		FulfilledQty:      decimal.Zero,
		Status:            types.OrderStatusOpen,
		FulfillmentStatus: types.FulfillmentNone,
	}
	order.CreatedAt = createdAt
	require.NoError(t, db.Create(&order).Error)
	return order.OrderID
}

func seedHoldingDec(t testingT, db *gorm.DB, investorID, assetID string, available, reserved decimal.Decimal) {
	t.Helper()

	require.NoError(t, db.Create(&types.Holding{
		InvestorID:   investorID,
		AssetID:      assetID,
		AvailableQty: available,
		ReservedQty:  reserved,
	}).Error)
}

func insertOrderDec(t testingT, db *gorm.DB, investorID, pairID, side string, price, qty decimal.Decimal, createdAt time.Time) string {
	t.Helper()

	order := types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		InvestorID:        investorID,
		TradingPairID:     pairID,
		Side:              side,
		Kind:              types.KindExchange,
		Price:             price,
		OriginalQty:       qty,
		FulfilledQty:      decimal.Zero,
		Status:            types.OrderStatusOpen,
		FulfillmentStatus: types.FulfillmentNone,
	}
	order.CreatedAt = createdAt
	require.NoError(t, db.Create(&order).Error)
	return order.OrderID
}

func TestPairPassMatchesCrossedOrders(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 6)

	base := time.Now().Add(-time.Minute)
	buyID := insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 10, base)
	sellID := insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 6, base.Add(time.Second))

	considered, produced, err := engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 2, considered)
	require.Equal(t, 1, produced)

	// The bid arrived first, so the trade executes at the bid price.
	var trade types.Trade
	require.NoError(t, db.First(&trade).Error)
	require.Equal(t, buyID, trade.BuyOrderID)
	require.Equal(t, sellID, trade.SellOrderID)
	requireQty(t, 6, trade.TradedQty)
	requireQty(t, 100, trade.TradedPrice)

	buy := getOrder(t, db, buyID)
	require.Equal(t, types.OrderStatusOpen, buy.Status)
	require.Equal(t, types.FulfillmentPartial, buy.FulfillmentStatus)
	requireQty(t, 6, buy.FulfilledQty)

	sell := getOrder(t, db, sellID)
	require.Equal(t, types.OrderStatusComplete, sell.Status)
	require.Equal(t, types.FulfillmentComplete, sell.FulfillmentStatus)
	requireQty(t, 6, sell.FulfilledQty)

	seller := getHolding(t, db, "SELLER", "AAPL")
	requireQty(t, 0, seller.ReservedQty)
	requireQty(t, 0, seller.AvailableQty)

	buyer := getHolding(t, db, "BUYER", "AAPL")
	requireQty(t, 6, buyer.AvailableQty)
}

func TestPairPassUsesAskPriceOnTimestampTie(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 5)

	at := time.Now().Add(-time.Minute).Truncate(time.Second)
	insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 5, at)
	insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 5, at)

	_, produced, err := engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 1, produced)

	var trade types.Trade
	require.NoError(t, db.First(&trade).Error)
	requireQty(t, 95, trade.TradedPrice)
}

func TestPairPassUsesRestingAskPrice(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 5)

	base := time.Now().Add(-time.Minute)
	insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 5, base)
	insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 5, base.Add(time.Second))

	_, produced, err := engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 1, produced)

	var trade types.Trade
	require.NoError(t, db.First(&trade).Error)
	requireQty(t, 95, trade.TradedPrice)
}

func TestPairPassNoTradeWhenSpreadOpen(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 5)

	base := time.Now().Add(-time.Minute)
	insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 90, 5, base)
	insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 5, base.Add(time.Second))

	considered, produced, err := engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 2, considered)
	require.Equal(t, 0, produced)

	var count int64
	require.NoError(t, db.Model(&types.Trade{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestPairPassFillsAcrossMultipleCounterparties(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER_A", "AAPL", 0, 4)
	seedHolding(t, db, "SELLER_B", "AAPL", 0, 6)

	base := time.Now().Add(-time.Minute)
	buyID := insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 10, base)
	insertOrder(t, db, "SELLER_A", "AAPL-USD", types.SideSell, 95, 4, base.Add(time.Second))
	insertOrder(t, db, "SELLER_B", "AAPL-USD", types.SideSell, 96, 6, base.Add(2*time.Second))

	_, produced, err := engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 2, produced)

	buy := getOrder(t, db, buyID)
	require.Equal(t, types.OrderStatusComplete, buy.Status)
	require.Equal(t, types.FulfillmentComplete, buy.FulfillmentStatus)
	requireQty(t, 10, buy.FulfilledQty)

	// Cheaper ask fills first.
	var trades []types.Trade
	require.NoError(t, db.Order("id ASC").Find(&trades).Error)
	require.Len(t, trades, 2)
	requireQty(t, 4, trades[0].TradedQty)
	requireQty(t, 6, trades[1].TradedQty)

	buyer := getHolding(t, db, "BUYER", "AAPL")
	requireQty(t, 10, buyer.AvailableQty)
}

func TestPairPassPrefersEarlierBidAtSamePrice(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 5)

	base := time.Now().Add(-time.Minute)
	firstBid := insertOrder(t, db, "BUYER_A", "AAPL-USD", types.SideBuy, 100, 5, base)
	insertOrder(t, db, "BUYER_B", "AAPL-USD", types.SideBuy, 100, 5, base.Add(time.Second))
	insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 5, base.Add(2*time.Second))

	_, produced, err := engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 1, produced)

	var trade types.Trade
	require.NoError(t, db.First(&trade).Error)
	require.Equal(t, firstBid, trade.BuyOrderID)
}

func TestPairPassIgnoresReferenceDataOrders(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 5)

	base := time.Now().Add(-time.Minute)
	buyID := insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 5, base)
	require.NoError(t, db.Model(&types.Order{}).
		Where("order_id = ?", buyID).
		Update("kind", types.KindReferenceData).Error)
	insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 5, base.Add(time.Second))

	considered, produced, err := engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 1, considered)
	require.Equal(t, 0, produced)
}

func TestPairPassIsIdempotentOnceUncrossed(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 6)

	base := time.Now().Add(-time.Minute)
	insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 10, base)
	insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 6, base.Add(time.Second))

	_, produced, err := engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 1, produced)

	_, produced, err = engine.RunPairPass(context.Background(), "AAPL-USD")
	require.NoError(t, err)
	require.Equal(t, 0, produced)

	var count int64
	require.NoError(t, db.Model(&types.Trade{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestPairPassUnknownPair(t *testing.T) {
	_, engine := setupEngine(t)

	_, _, err := engine.RunPairPass(context.Background(), "UNKNOWN-USD")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestRunPassCoversAllActivePairs(t *testing.T) {
	db, engine := setupEngine(t)
	require.NoError(t, db.Create(&types.TradingPair{
		PairID:  "MSFT-USD",
		Symbol:  "MSFT/USD",
		AssetID: "MSFT",
		Active:  true,
	}).Error)
	seedHolding(t, db, "SELLER", "AAPL", 0, 5)
	seedHolding(t, db, "SELLER", "MSFT", 0, 3)

	base := time.Now().Add(-time.Minute)
	insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 5, base)
	insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 5, base.Add(time.Second))
	insertOrder(t, db, "BUYER", "MSFT-USD", types.SideBuy, 50, 3, base)
	insertOrder(t, db, "SELLER", "MSFT-USD", types.SideSell, 48, 3, base.Add(time.Second))

	report, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.OrdersConsidered)
	require.Equal(t, 2, report.TradesProduced)
	require.Empty(t, report.PairFailures)
}

func TestRunPassIsolatesPairFailures(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 5)

	base := time.Now().Add(-time.Minute)
	insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 5, base)
	insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 5, base.Add(time.Second))

	// Open orders on a pair with no reference row: that pair fails, the
	// healthy pair still matches.
	insertOrder(t, db, "BUYER", "GHOST-USD", types.SideBuy, 10, 1, base)

	report, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.TradesProduced)
	require.Len(t, report.PairFailures, 1)
	require.Equal(t, "GHOST-USD", report.PairFailures[0].TradingPairID)
}

func TestExecuteManualTrade(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 8)

	base := time.Now().Add(-time.Minute)
	buyID := insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 10, base)
	sellID := insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 8, base.Add(time.Second))

	trade, err := engine.ExecuteManualTrade(buyID, sellID, decimal.NewFromInt(5))
	require.NoError(t, err)
	requireQty(t, 5, trade.TradedQty)
	requireQty(t, 100, trade.TradedPrice)

	buy := getOrder(t, db, buyID)
	requireQty(t, 5, buy.FulfilledQty)
	require.Equal(t, types.FulfillmentPartial, buy.FulfillmentStatus)

	sell := getOrder(t, db, sellID)
	requireQty(t, 5, sell.FulfilledQty)
	require.Equal(t, types.OrderStatusOpen, sell.Status)

	seller := getHolding(t, db, "SELLER", "AAPL")
	requireQty(t, 3, seller.ReservedQty)
}

func TestExecuteManualTradeValidation(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 8)

	base := time.Now().Add(-time.Minute)
	buyID := insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 10, base)
	sellID := insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 8, base.Add(time.Second))

	_, err := engine.ExecuteManualTrade(buyID, sellID, decimal.Zero)
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = engine.ExecuteManualTrade(buyID, sellID, decimal.NewFromInt(11))
	require.ErrorIs(t, err, types.ErrValidation)

	// Sides must match the roles.
	_, err = engine.ExecuteManualTrade(sellID, buyID, decimal.NewFromInt(1))
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = engine.ExecuteManualTrade("ORD_missing", sellID, decimal.NewFromInt(1))
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestExecuteManualTradeRejectsClosedOrder(t *testing.T) {
	db, engine := setupEngine(t)
	seedHolding(t, db, "SELLER", "AAPL", 0, 8)

	base := time.Now().Add(-time.Minute)
	buyID := insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 10, base)
	sellID := insertOrder(t, db, "SELLER", "AAPL-USD", types.SideSell, 95, 8, base.Add(time.Second))

	require.NoError(t, db.Model(&types.Order{}).
		Where("order_id = ?", buyID).
		Update("status", types.OrderStatusCancelled).Error)

	_, err := engine.ExecuteManualTrade(buyID, sellID, decimal.NewFromInt(1))
	require.ErrorIs(t, err, types.ErrOrderNotOpen)
}

func TestExecuteManualTradeRejectsCrossPair(t *testing.T) {
	db, engine := setupEngine(t)
	require.NoError(t, db.Create(&types.TradingPair{
		PairID:  "MSFT-USD",
		Symbol:  "MSFT/USD",
		AssetID: "MSFT",
		Active:  true,
	}).Error)
	seedHolding(t, db, "SELLER", "MSFT", 0, 8)

	base := time.Now().Add(-time.Minute)
	buyID := insertOrder(t, db, "BUYER", "AAPL-USD", types.SideBuy, 100, 10, base)
	sellID := insertOrder(t, db, "SELLER", "MSFT-USD", types.SideSell, 95, 8, base.Add(time.Second))

	_, err := engine.ExecuteManualTrade(buyID, sellID, decimal.NewFromInt(1))
	require.ErrorIs(t, err, types.ErrValidation)
}
