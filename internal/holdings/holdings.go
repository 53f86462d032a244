package holdings

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/types"
	"github.com/ksred/exchange-api/pkg/response"
)

// Manager is the holdings reservation manager. It is the only writer of
// Holding rows. Every mutating method runs on the caller's transaction
// handle so the holdings change commits or rolls back together with the
// order-state change that triggered it.
type Manager struct {
	db *gorm.DB
}

// NewManager creates a reservation manager. The stored handle is used for
// reads only; mutations always go through the tx argument.
func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// maxBalanceRetries bounds the re-read loop when a guarded balance update
// loses to a concurrent writer.
const maxBalanceRetries = 3

// writeBalances persists new balances for a holding, guarded on the values
// that were read. The arithmetic happens in Go on exact decimals; SQL-side
// expressions would coerce the decimal column to a float and drift. Zero
// rows affected means a concurrent mutation won and the caller must re-read.
func writeBalances(tx *gorm.DB, seen *types.Holding, available, reserved decimal.Decimal) (bool, error) {
	res := tx.Model(&types.Holding{}).
		Where("investor_id = ? AND asset_id = ? AND available_qty = ? AND reserved_qty = ?",
			seen.InvestorID, seen.AssetID, seen.AvailableQty, seen.ReservedQty).
		Updates(map[string]interface{}{
			"available_qty": available,
			"reserved_qty":  reserved,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Reserve earmarks qty of the investor's available holdings against an open
// sell order. The update is guarded on the balances that were read, so two
// concurrent reservations can never both succeed against the same quantity.
func (m *Manager) Reserve(tx *gorm.DB, investorID, assetID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: reserve qty must be positive, got %s", types.ErrValidation, qty)
	}

	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		var holding types.Holding
		err := tx.Where("investor_id = ? AND asset_id = ?", investorID, assetID).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.ErrInsufficientHoldings
		}
		if err != nil {
			return err
		}
		if holding.AvailableQty.LessThan(qty) {
			return types.ErrInsufficientHoldings
		}

		applied, err := writeBalances(tx, &holding,
			holding.AvailableQty.Sub(qty), holding.ReservedQty.Add(qty))
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}

	return fmt.Errorf("reserve for holding %s/%s kept conflicting", investorID, assetID)
}

// Release returns reserved quantity to the available balance when an order
// is cancelled or expires. A release that would drive the reservation
// negative indicates a prior bug: it is clamped at zero and logged, never
// allowed to create negative holdings.
func (m *Manager) Release(tx *gorm.DB, investorID, assetID string, qty decimal.Decimal) error {
	if qty.IsZero() {
		return nil
	}
	if qty.IsNegative() {
		return fmt.Errorf("%w: release qty must not be negative, got %s", types.ErrValidation, qty)
	}

	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		var holding types.Holding
		err := tx.Where("investor_id = ? AND asset_id = ?", investorID, assetID).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().
				Str("investor_id", investorID).
				Str("asset_id", assetID).
				Str("qty", qty.String()).
				Msg("release against missing holding, nothing to clamp")
			return nil
		}
		if err != nil {
			return err
		}

		release := qty
		if holding.ReservedQty.LessThan(qty) {
			log.Error().
				Str("investor_id", investorID).
				Str("asset_id", assetID).
				Str("requested", qty.String()).
				Str("reserved", holding.ReservedQty.String()).
				Msg("release exceeds reservation, clamping at zero")
			release = holding.ReservedQty
		}

		applied, err := writeBalances(tx, &holding,
			holding.AvailableQty.Add(release), holding.ReservedQty.Sub(release))
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}

	return fmt.Errorf("release for holding %s/%s kept conflicting", investorID, assetID)
}

// SettleSell removes traded quantity from the seller's reservation
// permanently: the asset has left the position. A reservation too small to
// cover the settlement is an invariant violation and aborts the trade.
func (m *Manager) SettleSell(tx *gorm.DB, investorID, assetID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: settle qty must be positive, got %s", types.ErrValidation, qty)
	}

	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		var holding types.Holding
		err := tx.Where("investor_id = ? AND asset_id = ?", investorID, assetID).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && holding.ReservedQty.LessThan(qty)) {
			log.Error().
				Str("investor_id", investorID).
				Str("asset_id", assetID).
				Str("qty", qty.String()).
				Msg("sell settlement exceeds reservation")
			return fmt.Errorf("%w: sell settlement of %s exceeds reservation", types.ErrInvariantViolation, qty)
		}
		if err != nil {
			return err
		}

		applied, err := writeBalances(tx, &holding,
			holding.AvailableQty, holding.ReservedQty.Sub(qty))
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}

	return fmt.Errorf("sell settlement for holding %s/%s kept conflicting", investorID, assetID)
}

// SettleBuy credits traded quantity to the buyer's available balance,
// creating the holding row on first acquisition.
func (m *Manager) SettleBuy(tx *gorm.DB, investorID, assetID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: settle qty must be positive, got %s", types.ErrValidation, qty)
	}

	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		var holding types.Holding
		err := tx.Where("investor_id = ? AND asset_id = ?", investorID, assetID).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			createErr := tx.Create(&types.Holding{
				InvestorID:   investorID,
				AssetID:      assetID,
				AvailableQty: qty,
				ReservedQty:  decimal.Zero,
			}).Error
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				// Lost the first-acquisition race, credit the existing row.
				continue
			}
			return createErr
		}
		if err != nil {
			return err
		}

		applied, err := writeBalances(tx, &holding,
			holding.AvailableQty.Add(qty), holding.ReservedQty)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}

	return fmt.Errorf("buy settlement for holding %s/%s kept conflicting", investorID, assetID)
}

// GetHoldings lists an investor's positions.
func (m *Manager) GetHoldings(investorID string) ([]types.Holding, error) {
	var holdings []types.Holding
	if err := m.db.Where("investor_id = ?", investorID).Order("asset_id ASC").Find(&holdings).Error; err != nil {
		return nil, err
	}
	return holdings, nil
}

// GinHandlers contains HTTP handlers for the read-only holdings surface.
type GinHandlers struct {
	manager *Manager
}

// NewGinHandlers creates the holdings HTTP handlers.
func NewGinHandlers(manager *Manager) *GinHandlers {
	return &GinHandlers{manager: manager}
}

// GetHoldingsHandler handles GET requests for an investor's positions.
// URL parameter: investor_id
func (h *GinHandlers) GetHoldingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		investorID := c.Param("investor_id")
		if investorID == "" {
			response.BadRequest(c, "Investor ID is required")
			return
		}

		holdings, err := h.manager.GetHoldings(investorID)
		response.Handle(c, holdings, err)
	}
}
