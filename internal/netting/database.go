package netting

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPosition retrieves a position by its canonical key.
func (d *Database) GetPosition(key string) (*NettingPosition, error) {
	var position NettingPosition
	if err := d.db.Where("position_key = ?", key).First(&position).Error; err != nil {
		return nil, err
	}
	return &position, nil
}

// UpsertSigned adds the signed amount to the position inside a transaction,
// creating the record on first use, and returns the net before and after.
func (d *Database) UpsertSigned(key, partyA, partyB, asset, currency string, signed decimal.Decimal) (before, after decimal.Decimal, err error) {
	err = d.db.Transaction(func(tx *gorm.DB) error {
		var position NettingPosition
		findErr := tx.Where("position_key = ?", key).First(&position).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			before = decimal.Zero
			after = signed
			position = NettingPosition{
				PositionKey:  key,
				PartyA:       partyA,
				PartyB:       partyB,
				Asset:        asset,
				NetAmount:    signed,
				Currency:     currency,
				LastUpdated:  time.Now(),
				TotalSettled: decimal.Zero,
			}
			return tx.Create(&position).Error
		case findErr != nil:
			return findErr
		}

		before = position.NetAmount
		after = position.NetAmount.Add(signed)
		position.NetAmount = after
		position.LastUpdated = time.Now()
		return tx.Save(&position).Error
	})
	return before, after, err
}

// GetSettlable returns positions whose absolute net exceeds epsilon.
func (d *Database) GetSettlable(epsilon decimal.Decimal) ([]NettingPosition, error) {
	var positions []NettingPosition
	if err := d.db.
		Where("net_amount > ? OR net_amount < ?", epsilon, epsilon.Neg()).
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// ResetAfterSettlement zeroes the net and records the consolidated transfer
// in the position's settlement history.
func (d *Database) ResetAfterSettlement(key string, settled decimal.Decimal) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var position NettingPosition
		if err := tx.Where("position_key = ?", key).First(&position).Error; err != nil {
			return err
		}

		position.NetAmount = decimal.Zero
		position.TotalSettled = position.TotalSettled.Add(settled)
		position.SettlementCount++
		position.LastUpdated = time.Now()
		return tx.Save(&position).Error
	})
}
