package risk

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CollateralAccount partitions a party's pledged collateral into used and
// available. Total must equal used + available at all times.
type CollateralAccount struct {
	gorm.Model          `json:"-"`
	Party               string          `gorm:"uniqueIndex" json:"party"`
	TotalCollateral     decimal.Decimal `gorm:"type:decimal(30,10)" json:"total_collateral"`
	UsedCollateral      decimal.Decimal `gorm:"type:decimal(30,10)" json:"used_collateral"`
	AvailableCollateral decimal.Decimal `gorm:"type:decimal(30,10)" json:"available_collateral"`
	MarginCallLevel     decimal.Decimal `gorm:"type:decimal(10,6)" json:"margin_call_level"`
	LastMarginCall      *time.Time      `json:"last_margin_call,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// RiskExposure is the outstanding amount a party could lose to a counterparty
// on one asset.
type RiskExposure struct {
	gorm.Model     `json:"-"`
	Party          string          `gorm:"index:idx_risk_exposures_key,unique" json:"party"`
	Counterparty   string          `gorm:"index:idx_risk_exposures_key,unique" json:"counterparty"`
	Asset          string          `gorm:"index:idx_risk_exposures_key,unique" json:"asset"`
	ExposureAmount decimal.Decimal `gorm:"type:decimal(30,10)" json:"exposure_amount"`
	Currency       string          `json:"currency"`
	LastUpdated    time.Time       `json:"last_updated"`
}

// Reservation records the exact amounts taken at acceptance time so release
// reverses them without re-deriving from current state.
type Reservation struct {
	InstructionID string
	Party         string
	Counterparty  string
	Asset         string
	Collateral    decimal.Decimal
	Exposure      decimal.Decimal
}
