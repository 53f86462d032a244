package orders

import (
	"errors"
	"sort"

	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetTradingPair(pairID string) (*types.TradingPair, error) {
	var pair types.TradingPair
	if err := d.db.Where("pair_id = ?", pairID).First(&pair).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pair, nil
}

// GetBookLevels aggregates remaining quantity per price for one side of a
// pair's book. Soft-deleted reference edits are excluded by gorm's default
// deleted_at scope. The sums are computed in Go on exact decimals; a SQL
// SUM over the decimal column would run in floating point.
func (d *Database) GetBookLevels(pairID, side, priceOrder string) ([]types.PriceLevel, error) {
	var open []types.Order
	err := d.db.
		Where("trading_pair_id = ? AND side = ? AND status = ? AND kind = ?",
			pairID, side, types.OrderStatusOpen, types.KindExchange).
		Find(&open).Error
	if err != nil {
		return nil, err
	}

	levels := make([]types.PriceLevel, 0)
	for i := range open {
		remaining := open[i].RemainingQty()
		found := false
		for j := range levels {
			if levels[j].Price.Equal(open[i].Price) {
				levels[j].Qty = levels[j].Qty.Add(remaining)
				found = true
				break
			}
		}
		if !found {
			levels = append(levels, types.PriceLevel{Price: open[i].Price, Qty: remaining})
		}
	}

	sort.Slice(levels, func(i, j int) bool {
		if priceOrder == "DESC" {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})

	return levels, nil
}

func (d *Database) GetRecentOrders(pairID string, limit int) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("trading_pair_id = ?", pairID).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetRecentTrades(pairID string, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.Where("trading_pair_id = ?", pairID).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}
