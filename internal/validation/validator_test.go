package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-settlement/internal/config"
	"github.com/ksred/klear-settlement/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func validInstruction() *types.SettlementInstruction {
	return &types.SettlementInstruction{
		FromParty: "BANK_ALPHA",
		ToParty:   "BANK_BETA",
		Asset:     "USD",
		Amount:    decimal.NewFromInt(1000),
		Currency:  "USD",
	}
}

func TestValidateAcceptsWellFormedInstruction(t *testing.T) {
	cfg := testConfig(t)
	assert.Nil(t, Validate(validInstruction(), cfg))
}

func TestValidateRejectionReasons(t *testing.T) {
	cfg := testConfig(t)

	tests := []struct {
		name   string
		mutate func(*types.SettlementInstruction)
		reason string
	}{
		{
			name:   "zero amount",
			mutate: func(i *types.SettlementInstruction) { i.Amount = decimal.Zero },
			reason: types.ReasonNonPositiveAmount,
		},
		{
			name:   "negative amount",
			mutate: func(i *types.SettlementInstruction) { i.Amount = decimal.NewFromInt(-5) },
			reason: types.ReasonNonPositiveAmount,
		},
		{
			name:   "below minimum",
			mutate: func(i *types.SettlementInstruction) { i.Amount = cfg.MinAmount.Div(decimal.NewFromInt(2)) },
			reason: types.ReasonAmountBelowMinimum,
		},
		{
			name:   "above maximum",
			mutate: func(i *types.SettlementInstruction) { i.Amount = cfg.MaxAmount.Add(decimal.RequireFromString("0.01")) },
			reason: types.ReasonAmountAboveMaximum,
		},
		{
			name:   "unsupported asset",
			mutate: func(i *types.SettlementInstruction) { i.Asset = "XAU" },
			reason: types.ReasonUnsupportedAsset,
		},
		{
			name:   "unsupported currency",
			mutate: func(i *types.SettlementInstruction) { i.Currency = "JPY" },
			reason: types.ReasonUnsupportedCurrency,
		},
		{
			name:   "lowercase party",
			mutate: func(i *types.SettlementInstruction) { i.FromParty = "bank_alpha" },
			reason: types.ReasonMalformedParty,
		},
		{
			name:   "party too short",
			mutate: func(i *types.SettlementInstruction) { i.ToParty = "AB" },
			reason: types.ReasonMalformedParty,
		},
		{
			name: "party too long",
			mutate: func(i *types.SettlementInstruction) {
				i.ToParty = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456"
			},
			reason: types.ReasonMalformedParty,
		},
		{
			name: "same party",
			mutate: func(i *types.SettlementInstruction) {
				i.ToParty = i.FromParty
			},
			reason: types.ReasonSameParty,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			instruction := validInstruction()
			tc.mutate(instruction)

			verr := Validate(instruction, cfg)
			require.NotNil(t, verr)
			assert.Equal(t, tc.reason, verr.Code)
		})
	}
}

// The maximum itself is inside the accepted range; only amounts strictly
// above it are rejected.
func TestValidateMaxAmountBoundary(t *testing.T) {
	cfg := testConfig(t)

	atMax := validInstruction()
	atMax.Amount = cfg.MaxAmount
	assert.Nil(t, Validate(atMax, cfg))

	aboveMax := validInstruction()
	aboveMax.Amount = cfg.MaxAmount.Add(decimal.RequireFromString("0.01"))
	verr := Validate(aboveMax, cfg)
	require.NotNil(t, verr)
	assert.Equal(t, types.ReasonAmountAboveMaximum, verr.Code)
}

func TestValidateShortCircuitsOnFirstViolation(t *testing.T) {
	cfg := testConfig(t)

	// Both the amount and the asset are invalid; the amount check runs first.
	instruction := validInstruction()
	instruction.Amount = decimal.Zero
	instruction.Asset = "XAU"

	verr := Validate(instruction, cfg)
	require.NotNil(t, verr)
	assert.Equal(t, types.ReasonNonPositiveAmount, verr.Code)
}
