package settlement

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"

	"github.com/ksred/klear-settlement/internal/types"
)

const instructionCacheSize = 4096

type Database struct {
	db    *gorm.DB
	cache *lru.Cache[string, types.SettlementInstruction]
}

func NewDatabase(db *gorm.DB) *Database {
	// Cache size is fixed; construction only fails for a non-positive size.
	// Entries are value copies: the scheduler keeps mutating the live
	// instruction across worker goroutines, so readers must never share its
	// pointer.
	cache, err := lru.New[string, types.SettlementInstruction](instructionCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to build instruction cache: %v", err))
	}
	return &Database{db: db, cache: cache}
}

// CreateInstruction persists a new instruction.
func (d *Database) CreateInstruction(instruction *types.SettlementInstruction) error {
	if err := d.db.Create(instruction).Error; err != nil {
		return err
	}
	d.cache.Add(instruction.InstructionID, *instruction)
	return nil
}

// GetInstruction retrieves an instruction by ID through the bounded read
// cache. Writes refresh their entry, so a cached hit is always current. The
// returned instruction is the caller's own copy.
func (d *Database) GetInstruction(instructionID string) (*types.SettlementInstruction, error) {
	if cached, ok := d.cache.Get(instructionID); ok {
		return &cached, nil
	}

	var instruction types.SettlementInstruction
	if err := d.db.Where("instruction_id = ?", instructionID).First(&instruction).Error; err != nil {
		return nil, err
	}
	d.cache.Add(instructionID, instruction)
	return &instruction, nil
}

// UpdateInstruction saves the instruction and refreshes the cache entry.
func (d *Database) UpdateInstruction(instruction *types.SettlementInstruction) error {
	if err := d.db.Save(instruction).Error; err != nil {
		return err
	}
	d.cache.Add(instruction.InstructionID, *instruction)
	return nil
}

// LockInstructions marks a snapshot as claimed by a cycle in one transaction.
// The in-memory snapshot and the cache are only touched once the transaction
// has committed, so a rollback leaves them agreeing with the store.
func (d *Database) LockInstructions(instructions []*types.SettlementInstruction, cycleID string) error {
	err := d.db.Transaction(func(tx *gorm.DB) error {
		for _, instruction := range instructions {
			if err := tx.Model(&types.SettlementInstruction{}).
				Where("instruction_id = ?", instruction.InstructionID).
				Updates(map[string]interface{}{
					"status":   types.StatusLocked,
					"cycle_id": cycleID,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, instruction := range instructions {
		instruction.Status = types.StatusLocked
		instruction.CycleID = cycleID
		d.cache.Add(instruction.InstructionID, *instruction)
	}
	return nil
}

// FinalizeSettled records the terminal settled state with its external
// transaction reference. A no-op for instructions already terminal.
func (d *Database) FinalizeSettled(instruction *types.SettlementInstruction, txRef string) error {
	if types.IsTerminal(instruction.Status) {
		return nil
	}

	now := time.Now()
	instruction.Status = types.StatusSettled
	instruction.ExternalTxRef = txRef
	instruction.SettledAt = &now
	return d.UpdateInstruction(instruction)
}

// FinalizeFailed records the terminal failed state and its reason.
func (d *Database) FinalizeFailed(instruction *types.SettlementInstruction, reason string) error {
	if types.IsTerminal(instruction.Status) {
		return nil
	}

	instruction.Status = types.StatusFailed
	instruction.FailureReason = reason
	return d.UpdateInstruction(instruction)
}

// GetInstructionsByStatus returns instructions in a given status, oldest
// first.
func (d *Database) GetInstructionsByStatus(status string) ([]types.SettlementInstruction, error) {
	var instructions []types.SettlementInstruction
	if err := d.db.Where("status = ?", status).
		Order("created_at ASC").
		Find(&instructions).Error; err != nil {
		return nil, err
	}
	return instructions, nil
}

// RequeueLocked flips any LOCKED instructions back to PENDING. Run once at
// startup: an instruction left locked across a restart never reached a
// terminal outcome, so it rejoins the queue.
func (d *Database) RequeueLocked() (int64, error) {
	result := d.db.Model(&types.SettlementInstruction{}).
		Where("status = ?", types.StatusLocked).
		Updates(map[string]interface{}{
			"status":   types.StatusPending,
			"cycle_id": "",
		})
	if result.Error != nil {
		return 0, result.Error
	}
	d.cache.Purge()
	return result.RowsAffected, nil
}

// CreateCycle persists a new cycle row.
func (d *Database) CreateCycle(cycle *SettlementCycle) error {
	return d.db.Create(cycle).Error
}

// UpdateCycle saves cycle progress or its terminal state.
func (d *Database) UpdateCycle(cycle *SettlementCycle) error {
	return d.db.Save(cycle).Error
}

// GetCycle retrieves a cycle by its ID.
func (d *Database) GetCycle(cycleID string) (*SettlementCycle, error) {
	var cycle SettlementCycle
	if err := d.db.Where("cycle_id = ?", cycleID).First(&cycle).Error; err != nil {
		return nil, err
	}
	return &cycle, nil
}

// GetCyclesByTimeRange returns cycles started within [from, to], newest
// first.
func (d *Database) GetCyclesByTimeRange(from, to time.Time) ([]SettlementCycle, error) {
	var cycles []SettlementCycle
	if err := d.db.Where("start_time BETWEEN ? AND ?", from, to).
		Order("start_time DESC").
		Find(&cycles).Error; err != nil {
		return nil, err
	}
	return cycles, nil
}

// IsNotFound reports whether the error is a missing-record lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
