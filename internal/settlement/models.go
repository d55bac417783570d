package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Cycle statuses
const (
	CycleRunning   = "RUNNING"
	CycleCompleted = "COMPLETED"
	CycleFailed    = "FAILED"
)

// SettlementCycle is one scheduled batch pass over pending instructions.
// Immutable once it leaves RUNNING.
type SettlementCycle struct {
	gorm.Model          `json:"-"`
	CycleID             string          `gorm:"uniqueIndex" json:"cycle_id"`
	StartTime           time.Time       `json:"start_time"`
	EndTime             *time.Time      `json:"end_time,omitempty"`
	TotalInstructions   int             `json:"total_instructions"`
	SettledInstructions int             `json:"settled_instructions"`
	FailedInstructions  int             `json:"failed_instructions"`
	TotalAmount         decimal.Decimal `gorm:"type:decimal(30,10)" json:"total_amount"`
	TotalFees           decimal.Decimal `gorm:"type:decimal(30,10)" json:"total_fees"`
	NettingEfficiency   decimal.Decimal `gorm:"type:decimal(12,8)" json:"netting_efficiency"`
	Status              string          `json:"status"` // RUNNING, COMPLETED, FAILED
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// CreateInstructionRequest is the intake payload.
type CreateInstructionRequest struct {
	FromParty string          `json:"from_party" binding:"required"`
	ToParty   string          `json:"to_party" binding:"required"`
	Asset     string          `json:"asset" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Currency  string          `json:"currency" binding:"required"`
	ValueDate time.Time       `json:"value_date"`
}

// DepositRequest funds a party's collateral account.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// CycleStats summarizes cycles over a timeframe.
type CycleStats struct {
	Cycles              []SettlementCycle `json:"cycles"`
	TotalCycles         int               `json:"total_cycles"`
	TotalInstructions   int               `json:"total_instructions"`
	SettledInstructions int               `json:"settled_instructions"`
	TotalAmount         decimal.Decimal   `json:"total_amount"`
	AverageEfficiency   decimal.Decimal   `json:"average_efficiency"`
}
