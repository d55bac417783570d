package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/klear-settlement/internal/database/migrations"
	"github.com/ksred/klear-settlement/internal/netting"
	"github.com/ksred/klear-settlement/internal/risk"
	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate the engine schema
	err = db.AutoMigrate(
		&types.SettlementInstruction{},
		&netting.NettingPosition{},
		&risk.CollateralAccount{},
		&risk.RiskExposure{},
		&settlement.SettlementCycle{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddEngineIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
