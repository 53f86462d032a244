package expiry_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/database"
	"github.com/ksred/exchange-api/internal/expiry"
	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/types"
)

func setupSweeper(t *testing.T) (*gorm.DB, *expiry.Sweeper) {
	t.Helper()

	db, err := database.NewTestDatabase()
	require.NoError(t, err)

	manager := holdings.NewManager(db)
	sweeper := expiry.NewSweeper(db, manager, time.Minute)

	require.NoError(t, db.Create(&types.TradingPair{
		PairID:  "AAPL-USD",
		Symbol:  "AAPL/USD",
		AssetID: "AAPL",
		Active:  true,
	}).Error)

	return db, sweeper
}

func insertOrder(t *testing.T, db *gorm.DB, side string, fulfilled int64, expiresAt *time.Time) string {
	t.Helper()

	qty := decimal.NewFromInt(10)
	fulfilledQty := decimal.NewFromInt(fulfilled)
	order := types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		InvestorID:        "INV_1",
		TradingPairID:     "AAPL-USD",
		Side:              side,
		Kind:              types.KindExchange,
		Price:             decimal.NewFromInt(100),
		OriginalQty:       qty,
		FulfilledQty:      fulfilledQty,
		Status:            types.OrderStatusOpen,
		FulfillmentStatus: types.FulfillmentStatusFor(fulfilledQty, qty),
		ExpiresAt:         expiresAt,
	}
	require.NoError(t, db.Create(&order).Error)
	return order.OrderID
}

func getOrder(t *testing.T, db *gorm.DB, orderID string) types.Order {
	t.Helper()

	var order types.Order
	require.NoError(t, db.Where("order_id = ?", orderID).First(&order).Error)
	return order
}

func requireQty(t *testing.T, expected int64, actual decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.NewFromInt(expected).Equal(actual),
		"expected %d, got %s", expected, actual)
}

func TestSweepExpiresDueSellOrderAndReleasesReservation(t *testing.T) {
	db, sweeper := setupSweeper(t)
	require.NoError(t, db.Create(&types.Holding{
		InvestorID:   "INV_1",
		AssetID:      "AAPL",
		AvailableQty: decimal.Zero,
		ReservedQty:  decimal.NewFromInt(10),
	}).Error)

	past := time.Now().Add(-time.Minute)
	orderID := insertOrder(t, db, types.SideSell, 0, &past)

	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.OrdersExpired)

	order := getOrder(t, db, orderID)
	require.Equal(t, types.OrderStatusExpired, order.Status)

	var holding types.Holding
	require.NoError(t, db.Where("investor_id = ? AND asset_id = ?", "INV_1", "AAPL").First(&holding).Error)
	requireQty(t, 10, holding.AvailableQty)
	requireQty(t, 0, holding.ReservedQty)
}

func TestSweepReleasesOnlyRemainingOnPartialFill(t *testing.T) {
	db, sweeper := setupSweeper(t)
	require.NoError(t, db.Create(&types.Holding{
		InvestorID:   "INV_1",
		AssetID:      "AAPL",
		AvailableQty: decimal.Zero,
		ReservedQty:  decimal.NewFromInt(7),
	}).Error)

	past := time.Now().Add(-time.Minute)
	insertOrder(t, db, types.SideSell, 3, &past)

	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.OrdersExpired)

	var holding types.Holding
	require.NoError(t, db.Where("investor_id = ? AND asset_id = ?", "INV_1", "AAPL").First(&holding).Error)
	requireQty(t, 7, holding.AvailableQty)
	requireQty(t, 0, holding.ReservedQty)
}

func TestSweepExpiresBuyOrderWithoutHoldingsEffect(t *testing.T) {
	db, sweeper := setupSweeper(t)

	past := time.Now().Add(-time.Minute)
	orderID := insertOrder(t, db, types.SideBuy, 0, &past)

	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.OrdersExpired)

	order := getOrder(t, db, orderID)
	require.Equal(t, types.OrderStatusExpired, order.Status)

	var count int64
	require.NoError(t, db.Model(&types.Holding{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSweepSkipsFutureAndOpenEndedOrders(t *testing.T) {
	db, sweeper := setupSweeper(t)

	future := time.Now().Add(time.Hour)
	futureID := insertOrder(t, db, types.SideBuy, 0, &future)
	openEndedID := insertOrder(t, db, types.SideBuy, 0, nil)

	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.OrdersExpired)

	require.Equal(t, types.OrderStatusOpen, getOrder(t, db, futureID).Status)
	require.Equal(t, types.OrderStatusOpen, getOrder(t, db, openEndedID).Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	db, sweeper := setupSweeper(t)
	require.NoError(t, db.Create(&types.Holding{
		InvestorID:   "INV_1",
		AssetID:      "AAPL",
		AvailableQty: decimal.Zero,
		ReservedQty:  decimal.NewFromInt(10),
	}).Error)

	past := time.Now().Add(-time.Minute)
	insertOrder(t, db, types.SideSell, 0, &past)

	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.OrdersExpired)

	// Re-running finds nothing OPEN and releases nothing twice.
	report, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.OrdersExpired)

	var holding types.Holding
	require.NoError(t, db.Where("investor_id = ? AND asset_id = ?", "INV_1", "AAPL").First(&holding).Error)
	requireQty(t, 10, holding.AvailableQty)
	requireQty(t, 0, holding.ReservedQty)
}

func TestSweepLeavesClosedOrdersAlone(t *testing.T) {
	db, sweeper := setupSweeper(t)

	past := time.Now().Add(-time.Minute)
	orderID := insertOrder(t, db, types.SideBuy, 0, &past)
	require.NoError(t, db.Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Update("status", types.OrderStatusCancelled).Error)

	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.OrdersExpired)

	require.Equal(t, types.OrderStatusCancelled, getOrder(t, db, orderID).Status)
}
