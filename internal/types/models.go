package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Instruction statuses
const (
	StatusPending = "PENDING"
	StatusLocked  = "LOCKED"
	StatusSettled = "SETTLED"
	StatusFailed  = "FAILED"
)

// Instruction types
const (
	TypeTransfer    = "TRANSFER"
	TypeNetTransfer = "NET_TRANSFER"
)

// IsTerminal reports whether a status is final. Terminal instructions are
// never re-processed; a failed instruction must be resubmitted under a new ID.
func IsTerminal(status string) bool {
	return status == StatusSettled || status == StatusFailed
}

type SettlementInstruction struct {
	gorm.Model         `json:"-"`
	InstructionID      string          `gorm:"uniqueIndex" json:"instruction_id"`
	FromParty          string          `json:"from_party"`
	ToParty            string          `json:"to_party"`
	Asset              string          `json:"asset"`
	Amount             decimal.Decimal `gorm:"type:decimal(30,10)" json:"amount"`
	Currency           string          `json:"currency"`
	ValueDate          time.Time       `json:"value_date"`
	InstructionType    string          `json:"instruction_type"` // TRANSFER or NET_TRANSFER
	Status             string          `json:"status"`           // PENDING, LOCKED, SETTLED, FAILED
	NettingAmount      decimal.Decimal `gorm:"type:decimal(30,10)" json:"netting_amount"`
	ReservedCollateral decimal.Decimal `gorm:"type:decimal(30,10)" json:"reserved_collateral"`
	CycleID            string          `json:"cycle_id,omitempty"`
	ExternalTxRef      string          `json:"external_tx_ref,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	SettledAt          *time.Time      `json:"settled_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// InstructionResponse is the caller-facing view of an instruction.
type InstructionResponse struct {
	InstructionID   string          `json:"instruction_id"`
	FromParty       string          `json:"from_party"`
	ToParty         string          `json:"to_party"`
	Asset           string          `json:"asset"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	ValueDate       time.Time       `json:"value_date"`
	Status          string          `json:"status"`
	NettingAmount   decimal.Decimal `json:"netting_amount"`
	ExternalTxRef   string          `json:"external_tx_ref,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
}

// ToResponse converts the stored instruction to its API representation.
func (i *SettlementInstruction) ToResponse() *InstructionResponse {
	return &InstructionResponse{
		InstructionID: i.InstructionID,
		FromParty:     i.FromParty,
		ToParty:       i.ToParty,
		Asset:         i.Asset,
		Amount:        i.Amount,
		Currency:      i.Currency,
		ValueDate:     i.ValueDate,
		Status:        i.Status,
		NettingAmount: i.NettingAmount,
		ExternalTxRef: i.ExternalTxRef,
		FailureReason: i.FailureReason,
		CreatedAt:     i.CreatedAt,
		SettledAt:     i.SettledAt,
	}
}
