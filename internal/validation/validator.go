package validation

import (
	"regexp"

	"github.com/ksred/klear-settlement/internal/config"
	"github.com/ksred/klear-settlement/internal/types"
)

// Party identifiers: uppercase alphanumerics plus underscore and hyphen,
// 3 to 32 characters.
var partyPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,31}$`)

// Validate runs the stateless intake checks on a proposed instruction. Checks
// run in a fixed order and the first violation short-circuits with its reason
// code. No side effects: the result is a pure function of the instruction and
// configuration.
func Validate(instruction *types.SettlementInstruction, cfg *config.Config) *types.ValidationError {
	if !instruction.Amount.IsPositive() {
		return types.NewValidationError(types.ReasonNonPositiveAmount,
			"amount must be positive, got %s", instruction.Amount)
	}

	if instruction.Amount.LessThan(cfg.MinAmount) {
		return types.NewValidationError(types.ReasonAmountBelowMinimum,
			"amount %s below minimum %s", instruction.Amount, cfg.MinAmount)
	}

	if instruction.Amount.GreaterThan(cfg.MaxAmount) {
		return types.NewValidationError(types.ReasonAmountAboveMaximum,
			"amount %s exceeds maximum %s", instruction.Amount, cfg.MaxAmount)
	}

	if !cfg.SupportsAsset(instruction.Asset) {
		return types.NewValidationError(types.ReasonUnsupportedAsset,
			"asset %q is not supported", instruction.Asset)
	}

	if !cfg.SupportsCurrency(instruction.Currency) {
		return types.NewValidationError(types.ReasonUnsupportedCurrency,
			"currency %q is not supported", instruction.Currency)
	}

	if !partyPattern.MatchString(instruction.FromParty) {
		return types.NewValidationError(types.ReasonMalformedParty,
			"from_party %q is not a valid party identifier", instruction.FromParty)
	}

	if !partyPattern.MatchString(instruction.ToParty) {
		return types.NewValidationError(types.ReasonMalformedParty,
			"to_party %q is not a valid party identifier", instruction.ToParty)
	}

	if instruction.FromParty == instruction.ToParty {
		return types.NewValidationError(types.ReasonSameParty,
			"from_party and to_party must be distinct")
	}

	return nil
}
