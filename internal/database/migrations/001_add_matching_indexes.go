package migrations

import "gorm.io/gorm"

// AddMatchingIndexes creates the composite indexes the matching engine and
// expiry sweeper scan on. AutoMigrate handles the per-column indexes; these
// cover the hot range queries.
func AddMatchingIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_orders_pair_status_kind ON orders (trading_pair_id, status, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_expires_at ON orders (status, expires_at)`,
	}

	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}

	return nil
}
