package migrations

import (
	"gorm.io/gorm"
)

// AddEngineIndexes creates the indexes the scheduler and monitor sweeps rely
// on. Raw SQL is used for index creation to have more control over index
// types.
func AddEngineIndexes(db *gorm.DB) error {
	indexes := []string{
		// Status scans drive the drain/restore paths
		`CREATE INDEX IF NOT EXISTS idx_settlement_instructions_status
		 ON settlement_instructions(status)`,

		// Cycle membership lookups
		`CREATE INDEX IF NOT EXISTS idx_settlement_instructions_cycle
		 ON settlement_instructions(cycle_id)`,

		// Per-party instruction history
		`CREATE INDEX IF NOT EXISTS idx_settlement_instructions_from_party
		 ON settlement_instructions(from_party)`,

		// Settlable-units pass filters on net amount
		`CREATE INDEX IF NOT EXISTS idx_netting_positions_net_amount
		 ON netting_positions(net_amount)`,

		// Monitor sweep filters on exposure amount
		`CREATE INDEX IF NOT EXISTS idx_risk_exposures_amount
		 ON risk_exposures(exposure_amount)`,

		// Cycle stats query by timeframe
		`CREATE INDEX IF NOT EXISTS idx_settlement_cycles_window
		 ON settlement_cycles(start_time, end_time)`,

		// Status filtering over cycle history
		`CREATE INDEX IF NOT EXISTS idx_settlement_cycles_status
		 ON settlement_cycles(status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
