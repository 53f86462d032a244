package database

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/exchange-api/internal/database/migrations"
	"github.com/ksred/exchange-api/internal/events"
	"github.com/ksred/exchange-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection.
// TranslateError is enabled so unique-constraint violations surface as
// gorm.ErrDuplicatedKey; the idempotency admission gate depends on it.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// NewTestDatabase returns an isolated in-memory database for tests. Each
// call gets its own named shared-cache DSN so the schema survives across
// pooled connections without leaking between tests.
func NewTestDatabase() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	return NewDatabase(dsn)
}

func migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.Order{},
		&types.Trade{},
		&types.TradingPair{},
		&types.Holding{},
		&events.IdempotencyRecord{},
		&events.SyncErrorLog{},
	)
	if err != nil {
		return err
	}

	if err := migrations.AddMatchingIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
