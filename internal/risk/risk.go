package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-settlement/internal/config"
	"github.com/ksred/klear-settlement/internal/events"
	"github.com/ksred/klear-settlement/internal/types"
)

// Service gates instruction acceptance on exposure limits and collateral
// sufficiency, and owns the reserve/release lifecycle.
//
// Exposure and collateral checks are read-then-write, so all reservations for
// the same party are serialized through a per-party mutex; different parties
// proceed in parallel.
type Service struct {
	db  *Database
	cfg *config.Config
	bus *events.Bus

	mu         sync.Mutex
	partyLocks map[string]*sync.Mutex
}

func NewService(gormDB *gorm.DB, cfg *config.Config, bus *events.Bus) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		cfg:        cfg,
		bus:        bus,
		partyLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) partyLock(party string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.partyLocks[party]
	if !ok {
		lock = &sync.Mutex{}
		s.partyLocks[party] = lock
	}
	return lock
}

// CheckAndReserve validates the instruction against exposure limits, then
// atomically reserves collateral and books exposure. On success the reserved
// amounts are recorded on the instruction so release reverses exactly what
// was taken.
func (s *Service) CheckAndReserve(instruction *types.SettlementInstruction) (*Reservation, error) {
	logger := log.With().
		Str("service", "risk").
		Str("instruction_id", instruction.InstructionID).
		Str("party", instruction.FromParty).
		Str("counterparty", instruction.ToParty).
		Str("asset", instruction.Asset).
		Logger()

	lock := s.partyLock(instruction.FromParty)
	lock.Lock()
	defer lock.Unlock()

	exposure, err := s.db.GetExposure(instruction.FromParty, instruction.ToParty, instruction.Asset)
	if err != nil {
		return nil, fmt.Errorf("failed to read counterparty exposure: %w", err)
	}

	projected := exposure.ExposureAmount.Add(instruction.Amount)
	if projected.GreaterThan(s.cfg.PerCounterpartyLimit) {
		logger.Warn().
			Str("current_exposure", exposure.ExposureAmount.String()).
			Str("projected_exposure", projected.String()).
			Str("limit", s.cfg.PerCounterpartyLimit.String()).
			Msg("counterparty exposure limit would be exceeded")
		return nil, types.ErrRiskLimitExceeded
	}

	total, err := s.db.GetTotalExposure(instruction.FromParty)
	if err != nil {
		return nil, fmt.Errorf("failed to read total exposure: %w", err)
	}

	projectedTotal := total.Add(instruction.Amount)
	if projectedTotal.GreaterThan(s.cfg.TotalExposureLimit) {
		logger.Warn().
			Str("current_total", total.String()).
			Str("projected_total", projectedTotal.String()).
			Str("limit", s.cfg.TotalExposureLimit.String()).
			Msg("total exposure limit would be exceeded")
		return nil, types.ErrRiskLimitExceeded
	}

	required := instruction.Amount.Mul(s.cfg.CollateralRatio)

	reservation := &Reservation{
		InstructionID: instruction.InstructionID,
		Party:         instruction.FromParty,
		Counterparty:  instruction.ToParty,
		Asset:         instruction.Asset,
		Collateral:    required,
		Exposure:      instruction.Amount,
	}

	if err := s.db.ApplyReservation(reservation, instruction.Currency); err != nil {
		if err == types.ErrInsufficientCollateral {
			logger.Warn().
				Str("required_collateral", required.String()).
				Msg("insufficient collateral, issuing margin call")
			s.issueMarginCall(instruction.FromParty, instruction.ToParty, instruction.Asset,
				required, events.SeverityCritical, "insufficient collateral for reservation")
			return nil, types.ErrInsufficientCollateral
		}
		return nil, fmt.Errorf("failed to apply reservation: %w", err)
	}

	instruction.ReservedCollateral = required

	// Margin calls are pure notifications: crossing a utilization threshold
	// never rejects an already-accepted instruction.
	s.checkUtilization(projected, instruction.FromParty, instruction.ToParty, instruction.Asset)

	logger.Debug().
		Str("reserved_collateral", required.String()).
		Str("booked_exposure", instruction.Amount.String()).
		Msg("reservation applied")

	return reservation, nil
}

// Release reverses a reservation at settlement finalization or failure, using
// the amounts recorded on the instruction at reservation time.
func (s *Service) Release(instruction *types.SettlementInstruction) error {
	logger := log.With().
		Str("service", "risk").
		Str("instruction_id", instruction.InstructionID).
		Str("party", instruction.FromParty).
		Logger()

	lock := s.partyLock(instruction.FromParty)
	lock.Lock()
	defer lock.Unlock()

	reservation := &Reservation{
		InstructionID: instruction.InstructionID,
		Party:         instruction.FromParty,
		Counterparty:  instruction.ToParty,
		Asset:         instruction.Asset,
		Collateral:    instruction.ReservedCollateral,
		Exposure:      instruction.Amount,
	}

	if err := s.db.ReverseReservation(reservation); err != nil {
		logger.Error().Err(err).Msg("failed to reverse reservation")
		return fmt.Errorf("failed to reverse reservation: %w", err)
	}

	logger.Debug().
		Str("released_collateral", instruction.ReservedCollateral.String()).
		Msg("reservation released")

	return nil
}

// Deposit credits a party's collateral account, creating it on first use.
func (s *Service) Deposit(party string, amount decimal.Decimal) (*CollateralAccount, error) {
	lock := s.partyLock(party)
	lock.Lock()
	defer lock.Unlock()

	account, err := s.db.Deposit(party, amount, s.cfg.MarginWarningLevel)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "risk").
		Str("party", party).
		Str("amount", amount.String()).
		Str("available", account.AvailableCollateral.String()).
		Msg("collateral deposited")

	return account, nil
}

// GetCollateral retrieves a party's collateral account.
func (s *Service) GetCollateral(party string) (*CollateralAccount, error) {
	return s.db.GetAccount(party)
}

// checkUtilization emits threshold margin calls against the per-counterparty
// limit: utilization above the warning level is a warning, above the critical
// level critical.
func (s *Service) checkUtilization(exposure decimal.Decimal, party, counterparty, asset string) {
	if s.cfg.PerCounterpartyLimit.IsZero() {
		return
	}

	utilization := exposure.Div(s.cfg.PerCounterpartyLimit)
	switch {
	case utilization.GreaterThan(s.cfg.MarginCriticalLevel):
		s.issueMarginCall(party, counterparty, asset, exposure, events.SeverityCritical,
			fmt.Sprintf("exposure utilization %s above critical level", utilization.StringFixed(4)))
	case utilization.GreaterThan(s.cfg.MarginWarningLevel):
		s.issueMarginCall(party, counterparty, asset, exposure, events.SeverityWarning,
			fmt.Sprintf("exposure utilization %s above warning level", utilization.StringFixed(4)))
	}
}

// issueMarginCall publishes the notification and stamps the account. It never
// blocks intake: the bus drops rather than queues when consumers lag.
func (s *Service) issueMarginCall(party, counterparty, asset string, amount decimal.Decimal, severity, reason string) {
	now := time.Now()

	logEvent := log.Warn()
	if severity == events.SeverityCritical {
		logEvent = log.Error()
	}
	logEvent.
		Str("service", "risk").
		Str("party", party).
		Str("counterparty", counterparty).
		Str("asset", asset).
		Str("amount", amount.String()).
		Str("severity", severity).
		Msg("margin call issued")

	if err := s.db.TouchMarginCall(party, now); err != nil && err != gorm.ErrRecordNotFound {
		log.Error().Err(err).Str("party", party).Msg("failed to stamp margin call")
	}

	s.bus.Publish(events.Event{
		Type:         events.MarginCall,
		Timestamp:    now,
		Party:        party,
		Counterparty: counterparty,
		Asset:        asset,
		Amount:       amount,
		Severity:     severity,
		Reason:       reason,
	})
}
