package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-settlement/internal/config"
	"github.com/ksred/klear-settlement/internal/events"
	"github.com/ksred/klear-settlement/internal/metrics"
	"github.com/ksred/klear-settlement/internal/netting"
	"github.com/ksred/klear-settlement/internal/risk"
	"github.com/ksred/klear-settlement/internal/types"
	"github.com/ksred/klear-settlement/internal/validation"
	"github.com/ksred/klear-settlement/pkg/response"
)

// Service is the instruction intake boundary: validation, risk reservation,
// position update, persistence, and queueing for the next cycle.
type Service struct {
	db      *Database
	queue   *pendingQueue
	cfg     *config.Config
	risk    *risk.Service
	netting *netting.Service
	bus     *events.Bus
	metrics *metrics.Metrics
}

func NewService(gormDB *gorm.DB, cfg *config.Config, riskService *risk.Service,
	nettingService *netting.Service, bus *events.Bus, m *metrics.Metrics) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		queue:   newPendingQueue(),
		cfg:     cfg,
		risk:    riskService,
		netting: nettingService,
		bus:     bus,
		metrics: m,
	}
}

// CreateInstruction runs the full intake path. Rejections are synchronous and
// non-destructive: a rejected instruction leaves no partial record.
func (s *Service) CreateInstruction(req *CreateInstructionRequest) (*types.SettlementInstruction, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("from_party", req.FromParty).
		Str("to_party", req.ToParty).
		Str("asset", req.Asset).
		Str("amount", req.Amount.String()).
		Logger()

	valueDate := req.ValueDate
	if valueDate.IsZero() {
		valueDate = time.Now()
	}

	instruction := &types.SettlementInstruction{
		InstructionID:   "INS_" + uuid.New().String(),
		FromParty:       req.FromParty,
		ToParty:         req.ToParty,
		Asset:           req.Asset,
		Amount:          req.Amount,
		Currency:        req.Currency,
		ValueDate:       valueDate,
		InstructionType: types.TypeTransfer,
		Status:          types.StatusPending,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	if verr := validation.Validate(instruction, s.cfg); verr != nil {
		logger.Warn().Str("reason", verr.Code).Msg("instruction rejected by validation")
		s.metrics.InstructionRejected(verr.Code)
		return nil, verr
	}

	if _, err := s.risk.CheckAndReserve(instruction); err != nil {
		switch {
		case errors.Is(err, types.ErrRiskLimitExceeded):
			s.metrics.InstructionRejected("RISK_LIMIT_EXCEEDED")
		case errors.Is(err, types.ErrInsufficientCollateral):
			s.metrics.InstructionRejected("INSUFFICIENT_COLLATERAL")
		}
		return nil, err
	}

	if err := s.netting.ApplyInstruction(instruction); err != nil {
		s.unwind(instruction, false, logger)
		return nil, fmt.Errorf("failed to apply instruction to netting ledger: %w", err)
	}

	if err := s.db.CreateInstruction(instruction); err != nil {
		s.unwind(instruction, true, logger)
		return nil, fmt.Errorf("failed to persist instruction: %w", err)
	}

	// The scheduler mutates whatever it drains from the queue, so it gets its
	// own copy and the caller keeps this one.
	queued := *instruction
	if err := s.queue.Add(&queued); err != nil {
		// Intake closed during shutdown: the persisted row is failed so no
		// pending instruction is stranded outside the final drain.
		s.unwind(instruction, true, logger)
		if dbErr := s.db.FinalizeFailed(instruction, "intake closed"); dbErr != nil {
			logger.Error().Err(dbErr).Msg("failed to finalize instruction after intake close")
		}
		return nil, err
	}

	s.metrics.InstructionCreated()
	s.metrics.SetQueueDepth(s.queue.Len())

	s.bus.Publish(events.Event{
		Type:          events.InstructionCreated,
		InstructionID: instruction.InstructionID,
		Party:         instruction.FromParty,
		Counterparty:  instruction.ToParty,
		Asset:         instruction.Asset,
		Amount:        instruction.Amount,
	})

	logger.Info().
		Str("instruction_id", instruction.InstructionID).
		Msg("instruction accepted and queued")

	return instruction, nil
}

// unwind reverses the reservation, and optionally the netting position, after
// a failure past the point of acceptance.
func (s *Service) unwind(instruction *types.SettlementInstruction, reverseNetting bool, logger zerolog.Logger) {
	if err := s.risk.Release(instruction); err != nil {
		logger.Error().Err(err).Msg("failed to release reservation during unwind")
	}
	if reverseNetting {
		inverse := &types.SettlementInstruction{
			InstructionID: instruction.InstructionID,
			FromParty:     instruction.ToParty,
			ToParty:       instruction.FromParty,
			Asset:         instruction.Asset,
			Amount:        instruction.Amount,
			Currency:      instruction.Currency,
		}
		if err := s.netting.ApplyInstruction(inverse); err != nil {
			logger.Error().Err(err).Msg("failed to reverse netting position during unwind")
		}
	}
}

// GetInstruction retrieves an instruction by ID.
func (s *Service) GetInstruction(instructionID string) (*types.SettlementInstruction, error) {
	return s.db.GetInstruction(instructionID)
}

// GetPosition retrieves the net position for a party pair and asset.
func (s *Service) GetPosition(partyA, partyB, asset string) (*netting.NettingPosition, error) {
	return s.netting.GetPosition(partyA, partyB, asset)
}

// GetCollateral retrieves a party's collateral account.
func (s *Service) GetCollateral(party string) (*risk.CollateralAccount, error) {
	return s.risk.GetCollateral(party)
}

// DepositCollateral funds a party's collateral account.
func (s *Service) DepositCollateral(party string, amount decimal.Decimal) (*risk.CollateralAccount, error) {
	return s.risk.Deposit(party, amount)
}

// GetCycleStats aggregates completed and failed cycles over the timeframe.
func (s *Service) GetCycleStats(from, to time.Time) (*CycleStats, error) {
	cycles, err := s.db.GetCyclesByTimeRange(from, to)
	if err != nil {
		return nil, err
	}

	stats := &CycleStats{
		Cycles:      cycles,
		TotalCycles: len(cycles),
		TotalAmount: decimal.Zero,
	}

	efficiencySum := decimal.Zero
	completed := 0
	for _, cycle := range cycles {
		stats.TotalInstructions += cycle.TotalInstructions
		stats.SettledInstructions += cycle.SettledInstructions
		stats.TotalAmount = stats.TotalAmount.Add(cycle.TotalAmount)
		if cycle.Status == CycleCompleted {
			efficiencySum = efficiencySum.Add(cycle.NettingEfficiency)
			completed++
		}
	}
	if completed > 0 {
		stats.AverageEfficiency = efficiencySum.Div(decimal.NewFromInt(int64(completed)))
	}

	return stats, nil
}

// RestoreQueue requeues instructions left LOCKED by an unclean shutdown and
// reloads all PENDING instructions into the in-memory queue. Run once at
// startup before the scheduler starts.
func (s *Service) RestoreQueue() error {
	logger := log.With().Str("service", "settlement").Logger()

	requeued, err := s.db.RequeueLocked()
	if err != nil {
		return fmt.Errorf("failed to requeue locked instructions: %w", err)
	}
	if requeued > 0 {
		logger.Warn().Int64("count", requeued).Msg("requeued instructions left locked by previous run")
	}

	pending, err := s.db.GetInstructionsByStatus(types.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to load pending instructions: %w", err)
	}

	for i := range pending {
		instruction := pending[i]
		if err := s.queue.Add(&instruction); err != nil {
			return err
		}
	}

	s.metrics.SetQueueDepth(s.queue.Len())
	logger.Info().Int("pending", len(pending)).Msg("restored pending instruction queue")
	return nil
}

// CloseIntake stops accepting new instructions ahead of the final drain.
func (s *Service) CloseIntake() {
	s.queue.Close()
	log.Info().Str("service", "settlement").Msg("instruction intake closed")
}

// GetDB exposes the database layer to the scheduler.
func (s *Service) GetDB() *Database {
	return s.db
}

// Queue exposes the pending queue to the scheduler.
func (s *Service) Queue() *pendingQueue {
	return s.queue
}

// GinHandlers contains HTTP handlers for the settlement endpoints.
type GinHandlers struct {
	service   *Service
	scheduler *Scheduler
}

func NewGinHandlers(service *Service, scheduler *Scheduler) *GinHandlers {
	return &GinHandlers{
		service:   service,
		scheduler: scheduler,
	}
}

// CreateInstructionHandler handles POST requests to submit instructions.
func (h *GinHandlers) CreateInstructionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateInstructionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		instruction, err := h.service.CreateInstruction(&req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, instruction.ToResponse())
	}
}

// GetInstructionHandler handles GET requests for a single instruction.
func (h *GinHandlers) GetInstructionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		instruction, err := h.service.GetInstruction(c.Param("instruction_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, instruction.ToResponse())
	}
}

// GetPositionHandler handles GET requests for a bilateral net position.
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		position, err := h.service.GetPosition(
			c.Param("party_a"), c.Param("party_b"), c.Param("asset"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, position.ToResponse())
	}
}

// GetCollateralHandler handles GET requests for a party's collateral account.
func (h *GinHandlers) GetCollateralHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := h.service.GetCollateral(c.Param("party"))
		response.Handle(c, account, err)
	}
}

// GetCycleStatsHandler handles GET requests for cycle statistics. Optional
// from/to query parameters (RFC 3339) default to the last 24 hours.
func (h *GinHandlers) GetCycleStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		to := time.Now()
		from := to.Add(-24 * time.Hour)

		if raw := c.Query("from"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "invalid 'from' timestamp, expected RFC 3339")
				return
			}
			from = parsed
		}
		if raw := c.Query("to"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "invalid 'to' timestamp, expected RFC 3339")
				return
			}
			to = parsed
		}

		stats, err := h.service.GetCycleStats(from, to)
		response.Handle(c, stats, err)
	}
}

// DepositCollateralHandler handles POST requests to fund a collateral
// account. Internal route.
func (h *GinHandlers) DepositCollateralHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.DepositCollateral(c.Param("party"), req.Amount)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, account)
	}
}

// RunCycleHandler handles POST requests to trigger one settlement cycle
// immediately. Internal route; same code path as the scheduled tick.
func (h *GinHandlers) RunCycleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cycle, err := h.scheduler.RunCycle(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if cycle == nil {
			response.Success(c, gin.H{"message": "no pending instructions"})
			return
		}
		response.Success(c, cycle)
	}
}
