package netting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/types"
)

// Service maintains signed bilateral net positions and produces consolidated
// transfers. Updates to one position key are serialized; distinct keys run in
// parallel.
type Service struct {
	db *Database

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// CanonicalKey orders the party pair lexicographically and joins it with the
// asset. Both directions between the same pair map to the same key.
func CanonicalKey(partyA, partyB, asset string) (key, first, second string) {
	first, second = partyA, partyB
	if strings.Compare(first, second) > 0 {
		first, second = second, first
	}
	return first + "|" + second + "|" + asset, first, second
}

func (s *Service) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[key] = lock
	}
	return lock
}

// ApplyInstruction adds the instruction's signed amount to the canonical
// position. The sign is positive when the sender is the lexicographically
// first party. The instruction's netting amount is set to the change in
// absolute net, so the sum of netting amounts since the last reset equals the
// consolidated transfer the position will produce.
func (s *Service) ApplyInstruction(instruction *types.SettlementInstruction) error {
	key, first, second := CanonicalKey(instruction.FromParty, instruction.ToParty, instruction.Asset)

	signed := instruction.Amount
	if instruction.FromParty != first {
		signed = signed.Neg()
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	before, after, err := s.db.UpsertSigned(key, first, second, instruction.Asset,
		instruction.Currency, signed)
	if err != nil {
		return fmt.Errorf("failed to update netting position: %w", err)
	}

	instruction.NettingAmount = after.Abs().Sub(before.Abs())

	log.Debug().
		Str("service", "netting").
		Str("position_key", key).
		Str("net_before", before.String()).
		Str("net_after", after.String()).
		Str("netting_amount", instruction.NettingAmount.String()).
		Msg("applied instruction to position")

	return nil
}

// GetPosition returns the canonical position for the pair and asset.
func (s *Service) GetPosition(partyA, partyB, asset string) (*NettingPosition, error) {
	key, _, _ := CanonicalKey(partyA, partyB, asset)
	return s.db.GetPosition(key)
}

// SettlableUnits returns positions whose absolute net exceeds epsilon.
func (s *Service) SettlableUnits(epsilon decimal.Decimal) ([]NettingPosition, error) {
	return s.db.GetSettlable(epsilon)
}

// SettleNet emits one consolidated transfer of |net| in the implied direction
// through the gateway, then resets the position. A gateway failure leaves the
// position untouched for the next cycle.
func (s *Service) SettleNet(ctx context.Context, gateway ledger.Gateway, position *NettingPosition) error {
	logger := log.With().
		Str("service", "netting").
		Str("position_key", position.PositionKey).
		Logger()

	lock := s.keyLock(position.PositionKey)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: instructions may have moved the net since the
	// settlable snapshot was taken.
	current, err := s.db.GetPosition(position.PositionKey)
	if err != nil {
		return err
	}
	if current.NetAmount.IsZero() {
		return nil
	}

	debtor, creditor := current.PartyA, current.PartyB
	if current.NetAmount.IsNegative() {
		debtor, creditor = current.PartyB, current.PartyA
	}
	transferAmount := current.NetAmount.Abs()

	transfer := &types.SettlementInstruction{
		InstructionID:   "NETX_" + uuid.New().String(),
		FromParty:       debtor,
		ToParty:         creditor,
		Asset:           current.Asset,
		Amount:          transferAmount,
		Currency:        current.Currency,
		InstructionType: types.TypeNetTransfer,
		ValueDate:       time.Now(),
	}

	receipt, err := gateway.Execute(ctx, transfer)
	if err != nil {
		logger.Warn().Err(err).
			Str("amount", transferAmount.String()).
			Msg("net transfer failed, position retained for next cycle")
		return fmt.Errorf("net transfer failed for %s: %w", position.PositionKey, err)
	}

	if err := s.db.ResetAfterSettlement(position.PositionKey, transferAmount); err != nil {
		return fmt.Errorf("failed to reset position after settlement: %w", err)
	}

	logger.Info().
		Str("debtor", debtor).
		Str("creditor", creditor).
		Str("amount", transferAmount.String()).
		Str("tx_ref", receipt.TxRef).
		Msg("consolidated net transfer settled")

	return nil
}
