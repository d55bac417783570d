package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-settlement/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetAccount retrieves a party's collateral account.
func (d *Database) GetAccount(party string) (*CollateralAccount, error) {
	var account CollateralAccount
	if err := d.db.Where("party = ?", party).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// Deposit credits a party's collateral, creating the account on first use.
func (d *Database) Deposit(party string, amount decimal.Decimal, marginCallLevel decimal.Decimal) (*CollateralAccount, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}

	var account CollateralAccount
	err := d.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("party = ?", party).First(&account).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			account = CollateralAccount{
				Party:               party,
				TotalCollateral:     amount,
				UsedCollateral:      decimal.Zero,
				AvailableCollateral: amount,
				MarginCallLevel:     marginCallLevel,
			}
			return tx.Create(&account).Error
		case err != nil:
			return err
		}

		account.TotalCollateral = account.TotalCollateral.Add(amount)
		account.AvailableCollateral = account.AvailableCollateral.Add(amount)
		return tx.Save(&account).Error
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetExposure retrieves the exposure record for (party, counterparty, asset),
// returning a zero-amount record when none exists yet.
func (d *Database) GetExposure(party, counterparty, asset string) (*RiskExposure, error) {
	var exposure RiskExposure
	err := d.db.Where("party = ? AND counterparty = ? AND asset = ?",
		party, counterparty, asset).First(&exposure).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &RiskExposure{
			Party:          party,
			Counterparty:   counterparty,
			Asset:          asset,
			ExposureAmount: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &exposure, nil
}

// GetTotalExposure sums a party's exposure across all counterparties and
// assets. Rows per party stay small, so summing in Go keeps decimal exactness
// instead of trusting SQL numeric affinity.
func (d *Database) GetTotalExposure(party string) (decimal.Decimal, error) {
	var exposures []RiskExposure
	if err := d.db.Where("party = ?", party).Find(&exposures).Error; err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, e := range exposures {
		total = total.Add(e.ExposureAmount)
	}
	return total, nil
}

// GetExposuresAbove returns exposures whose amount reaches at least the given
// fraction of the per-counterparty limit. Used by the monitor sweep.
func (d *Database) GetExposuresAbove(threshold decimal.Decimal) ([]RiskExposure, error) {
	var exposures []RiskExposure
	if err := d.db.Where("exposure_amount >= ?", threshold).Find(&exposures).Error; err != nil {
		return nil, err
	}
	return exposures, nil
}

// ApplyReservation decrements available collateral and increments used
// collateral and exposure in a single transaction. Either both updates land
// or neither does.
func (d *Database) ApplyReservation(reservation *Reservation, currency string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var account CollateralAccount
		if err := tx.Where("party = ?", reservation.Party).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.ErrInsufficientCollateral
			}
			return err
		}

		if account.AvailableCollateral.LessThan(reservation.Collateral) {
			return types.ErrInsufficientCollateral
		}

		account.AvailableCollateral = account.AvailableCollateral.Sub(reservation.Collateral)
		account.UsedCollateral = account.UsedCollateral.Add(reservation.Collateral)
		if err := tx.Save(&account).Error; err != nil {
			return err
		}

		var exposure RiskExposure
		err := tx.Where("party = ? AND counterparty = ? AND asset = ?",
			reservation.Party, reservation.Counterparty, reservation.Asset).
			First(&exposure).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			exposure = RiskExposure{
				Party:          reservation.Party,
				Counterparty:   reservation.Counterparty,
				Asset:          reservation.Asset,
				ExposureAmount: reservation.Exposure,
				Currency:       currency,
				LastUpdated:    time.Now(),
			}
			return tx.Create(&exposure).Error
		case err != nil:
			return err
		}

		exposure.ExposureAmount = exposure.ExposureAmount.Add(reservation.Exposure)
		exposure.LastUpdated = time.Now()
		return tx.Save(&exposure).Error
	})
}

// ReverseReservation returns the reserved collateral and exposure in a single
// transaction, using the amounts recorded at reservation time.
func (d *Database) ReverseReservation(reservation *Reservation) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var account CollateralAccount
		if err := tx.Where("party = ?", reservation.Party).First(&account).Error; err != nil {
			return err
		}

		account.AvailableCollateral = account.AvailableCollateral.Add(reservation.Collateral)
		account.UsedCollateral = account.UsedCollateral.Sub(reservation.Collateral)
		if err := tx.Save(&account).Error; err != nil {
			return err
		}

		var exposure RiskExposure
		if err := tx.Where("party = ? AND counterparty = ? AND asset = ?",
			reservation.Party, reservation.Counterparty, reservation.Asset).
			First(&exposure).Error; err != nil {
			return err
		}

		exposure.ExposureAmount = exposure.ExposureAmount.Sub(reservation.Exposure)
		exposure.LastUpdated = time.Now()
		return tx.Save(&exposure).Error
	})
}

// TouchMarginCall stamps the account's last margin call time.
func (d *Database) TouchMarginCall(party string, at time.Time) error {
	return d.db.Model(&CollateralAccount{}).
		Where("party = ?", party).
		Update("last_margin_call", at).Error
}
