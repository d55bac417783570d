package netting

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// NettingPosition is the signed net obligation between a canonical pair of
// parties on one asset. PartyA sorts lexicographically before PartyB, and a
// positive NetAmount always means PartyA owes PartyB. Instructions in either
// direction between the same pair therefore update one record instead of
// mirrored duplicates.
type NettingPosition struct {
	gorm.Model      `json:"-"`
	PositionKey     string          `gorm:"uniqueIndex" json:"position_key"`
	PartyA          string          `json:"party_a"`
	PartyB          string          `json:"party_b"`
	Asset           string          `json:"asset"`
	NetAmount       decimal.Decimal `gorm:"type:decimal(30,10)" json:"net_amount"`
	Currency        string          `json:"currency"`
	LastUpdated     time.Time       `json:"last_updated"`
	TotalSettled    decimal.Decimal `gorm:"type:decimal(30,10)" json:"total_settled"`
	SettlementCount int64           `json:"settlement_count"`
}

// PositionResponse is the caller-facing view of a netting position.
type PositionResponse struct {
	PartyA          string          `json:"party_a"`
	PartyB          string          `json:"party_b"`
	Asset           string          `json:"asset"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	Currency        string          `json:"currency"`
	Debtor          string          `json:"debtor"`
	Creditor        string          `json:"creditor"`
	TotalSettled    decimal.Decimal `json:"total_settled"`
	SettlementCount int64           `json:"settlement_count"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// ToResponse resolves the implied transfer direction from the sign.
func (p *NettingPosition) ToResponse() *PositionResponse {
	debtor, creditor := p.PartyA, p.PartyB
	if p.NetAmount.IsNegative() {
		debtor, creditor = p.PartyB, p.PartyA
	}
	return &PositionResponse{
		PartyA:          p.PartyA,
		PartyB:          p.PartyB,
		Asset:           p.Asset,
		NetAmount:       p.NetAmount,
		Currency:        p.Currency,
		Debtor:          debtor,
		Creditor:        creditor,
		TotalSettled:    p.TotalSettled,
		SettlementCount: p.SettlementCount,
		LastUpdated:     p.LastUpdated,
	}
}
