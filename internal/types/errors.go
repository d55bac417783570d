package types

import (
	"errors"
	"fmt"
)

// Validation reason codes returned to callers on synchronous rejection.
const (
	ReasonNonPositiveAmount   = "NON_POSITIVE_AMOUNT"
	ReasonAmountBelowMinimum  = "AMOUNT_BELOW_MINIMUM"
	ReasonAmountAboveMaximum  = "AMOUNT_ABOVE_MAXIMUM"
	ReasonUnsupportedAsset    = "UNSUPPORTED_ASSET"
	ReasonUnsupportedCurrency = "UNSUPPORTED_CURRENCY"
	ReasonMalformedParty      = "MALFORMED_PARTY"
	ReasonSameParty           = "SAME_PARTY"
)

// ValidationError rejects a malformed instruction before any state change.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Code, e.Message)
}

// NewValidationError builds a validation error with a reason code.
func NewValidationError(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrRiskLimitExceeded rejects an instruction whose acceptance would push
	// exposure past a configured bound. No state change has occurred.
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")

	// ErrInsufficientCollateral rejects an instruction the sender cannot
	// collateralize. A margin call is emitted; no state change has occurred.
	ErrInsufficientCollateral = errors.New("insufficient collateral")

	// ErrIntakeClosed is returned once the engine stops accepting
	// instructions during shutdown.
	ErrIntakeClosed = errors.New("instruction intake is closed")
)

// SettlementExecutionError marks a single instruction's gateway failure inside
// a running cycle. The instruction is failed and its reservation released; the
// rest of the cycle continues.
type SettlementExecutionError struct {
	InstructionID string
	Err           error
}

func (e *SettlementExecutionError) Error() string {
	return fmt.Sprintf("settlement execution failed for %s: %v", e.InstructionID, e.Err)
}

func (e *SettlementExecutionError) Unwrap() error { return e.Err }

// SchedulerFatalError means the ledger gateway was unreachable before any
// instruction in the snapshot was processed. The whole snapshot is requeued
// for the next tick and the cycle is marked failed.
type SchedulerFatalError struct {
	Err error
}

func (e *SchedulerFatalError) Error() string {
	return fmt.Sprintf("settlement cycle aborted: %v", e.Err)
}

func (e *SchedulerFatalError) Unwrap() error { return e.Err }
