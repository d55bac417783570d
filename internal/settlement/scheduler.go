package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-settlement/internal/config"
	"github.com/ksred/klear-settlement/internal/events"
	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/metrics"
	"github.com/ksred/klear-settlement/internal/netting"
	"github.com/ksred/klear-settlement/internal/risk"
	"github.com/ksred/klear-settlement/internal/types"
)

// Scheduler drains the pending queue on a fixed interval and executes each
// snapshot as one settlement cycle. Execution is per-instruction: one failure
// fails that instruction only and the cycle continues.
type Scheduler struct {
	service *Service
	risk    *risk.Service
	netting *netting.Service
	gateway ledger.Gateway
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     *config.Config

	// tick overrides the interval ticker when set, so tests drive cycles by
	// sending on a channel instead of sleeping.
	tick <-chan time.Time
}

func NewScheduler(service *Service, riskService *risk.Service, nettingService *netting.Service,
	gateway ledger.Gateway, bus *events.Bus, m *metrics.Metrics, cfg *config.Config) *Scheduler {
	return &Scheduler{
		service: service,
		risk:    riskService,
		netting: nettingService,
		gateway: gateway,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
	}
}

// WithTicker injects an external tick source.
func (s *Scheduler) WithTicker(tick <-chan time.Time) *Scheduler {
	s.tick = tick
	return s
}

// Start runs the cycle loop until the context is cancelled, then performs one
// final drain over whatever intake accepted before it closed.
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_scheduler").Logger()
	logger.Info().Dur("interval", s.cfg.CycleInterval).Msg("starting settlement scheduler")

	tick := s.tick
	if tick == nil {
		ticker := time.NewTicker(s.cfg.CycleInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("running final drain cycle before shutdown")
			s.service.CloseIntake()
			// Bounded so a hung gateway cannot stall shutdown indefinitely.
			drainCtx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.CycleInterval)
			if _, err := s.RunCycle(drainCtx); err != nil {
				logger.Error().Err(err).Msg("final drain cycle failed")
			}
			cancel()
			logger.Info().Msg("settlement scheduler stopped")
			return
		case <-tick:
			if _, err := s.RunCycle(ctx); err != nil {
				logger.Error().Err(err).Msg("settlement cycle failed")
			}
		}
	}
}

// RunCycle drains the queue and settles the snapshot. Returns the finalized
// cycle, or nil when nothing was pending.
func (s *Scheduler) RunCycle(ctx context.Context) (*SettlementCycle, error) {
	snapshot := s.service.queue.DrainAndSwap()
	s.metrics.SetQueueDepth(0)
	if len(snapshot) == 0 {
		return nil, nil
	}

	cycle := &SettlementCycle{
		CycleID:           "CYC_" + uuid.New().String(),
		StartTime:         time.Now(),
		TotalInstructions: len(snapshot),
		TotalAmount:       decimal.Zero,
		TotalFees:         decimal.Zero,
		Status:            CycleRunning,
	}

	logger := log.With().
		Str("component", "settlement_scheduler").
		Str("cycle_id", cycle.CycleID).
		Int("instructions", len(snapshot)).
		Logger()

	logger.Info().Msg("settlement cycle started")

	if err := s.service.db.CreateCycle(cycle); err != nil {
		s.service.queue.Requeue(snapshot)
		return nil, fmt.Errorf("failed to create cycle record: %w", err)
	}

	// Gateway completely unreachable before any instruction was touched:
	// requeue the whole snapshot for the next tick, no partial state change.
	if err := s.gateway.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("ledger gateway unreachable, requeueing snapshot")
		s.service.queue.Requeue(snapshot)
		s.metrics.SetQueueDepth(s.service.queue.Len())
		s.failCycle(cycle)
		return nil, &types.SchedulerFatalError{Err: err}
	}

	if err := s.service.db.LockInstructions(snapshot, cycle.CycleID); err != nil {
		s.service.queue.Requeue(snapshot)
		s.metrics.SetQueueDepth(s.service.queue.Len())
		s.failCycle(cycle)
		return nil, fmt.Errorf("failed to lock cycle snapshot: %w", err)
	}

	settled, failed := s.executeSnapshot(ctx, snapshot, cycle, logger)

	// Netting pass runs after every individual settlement so consolidated
	// transfers reflect final positions for the cycle.
	s.runNettingPass(ctx, logger)

	grossAmount := decimal.Zero
	nettedAmount := decimal.Zero
	for _, instruction := range snapshot {
		grossAmount = grossAmount.Add(instruction.Amount)
		nettedAmount = nettedAmount.Add(instruction.NettingAmount)
	}

	now := time.Now()
	cycle.EndTime = &now
	cycle.SettledInstructions = settled
	cycle.FailedInstructions = failed
	cycle.TotalAmount = grossAmount
	cycle.TotalFees = grossAmount.Mul(s.cfg.FeeRate)
	if grossAmount.IsPositive() {
		cycle.NettingEfficiency = nettedAmount.Div(grossAmount)
	}
	cycle.Status = CycleCompleted

	if err := s.service.db.UpdateCycle(cycle); err != nil {
		return nil, fmt.Errorf("failed to finalize cycle: %w", err)
	}

	duration := now.Sub(cycle.StartTime)
	s.metrics.CycleCompleted(duration)

	s.bus.Publish(events.Event{
		Type:                events.CycleCompleted,
		CycleID:             cycle.CycleID,
		TotalInstructions:   cycle.TotalInstructions,
		SettledInstructions: cycle.SettledInstructions,
		TotalAmount:         cycle.TotalAmount,
		TotalFees:           cycle.TotalFees,
		NettingEfficiency:   cycle.NettingEfficiency,
	})

	logger.Info().
		Int("settled", settled).
		Int("failed", failed).
		Str("total_amount", grossAmount.String()).
		Str("netting_efficiency", cycle.NettingEfficiency.String()).
		Dur("duration", duration).
		Msg("settlement cycle completed")

	return cycle, nil
}

// executeSnapshot settles each instruction on a bounded worker pool. Gateway
// calls for different instructions are independent, so they run concurrently
// up to the configured pool size.
func (s *Scheduler) executeSnapshot(ctx context.Context, snapshot []*types.SettlementInstruction,
	cycle *SettlementCycle, logger zerolog.Logger) (settled, failed int) {

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pool = make(chan struct{}, s.cfg.SettlementWorkers)
	)

	for _, instruction := range snapshot {
		wg.Add(1)
		pool <- struct{}{}
		go func(instruction *types.SettlementInstruction) {
			defer wg.Done()
			defer func() { <-pool }()

			ok := s.settleOne(ctx, instruction, cycle.CycleID)

			mu.Lock()
			if ok {
				settled++
			} else {
				failed++
			}
			mu.Unlock()
		}(instruction)
	}

	wg.Wait()
	return settled, failed
}

// settleOne executes a single instruction and finalizes its terminal state.
// Failures are contained here so the batch loop never aborts.
func (s *Scheduler) settleOne(ctx context.Context, instruction *types.SettlementInstruction, cycleID string) bool {
	logger := log.With().
		Str("component", "settlement_scheduler").
		Str("cycle_id", cycleID).
		Str("instruction_id", instruction.InstructionID).
		Logger()

	// Re-processing a terminal instruction is a no-op: value never moves
	// twice for the same instruction.
	if types.IsTerminal(instruction.Status) {
		logger.Debug().Str("status", instruction.Status).Msg("instruction already terminal, skipping")
		return instruction.Status == types.StatusSettled
	}

	receipt, err := s.gateway.Execute(ctx, instruction)
	if err != nil {
		execErr := &types.SettlementExecutionError{InstructionID: instruction.InstructionID, Err: err}
		logger.Warn().Err(execErr).Msg("instruction failed, releasing reservation")

		if dbErr := s.service.db.FinalizeFailed(instruction, err.Error()); dbErr != nil {
			logger.Error().Err(dbErr).Msg("failed to record instruction failure")
		}
		if relErr := s.risk.Release(instruction); relErr != nil {
			logger.Error().Err(relErr).Msg("failed to release reservation for failed instruction")
		}

		s.metrics.InstructionFailed()
		s.bus.Publish(events.Event{
			Type:          events.InstructionFailed,
			InstructionID: instruction.InstructionID,
			CycleID:       cycleID,
			Party:         instruction.FromParty,
			Counterparty:  instruction.ToParty,
			Asset:         instruction.Asset,
			Amount:        instruction.Amount,
			Reason:        err.Error(),
		})
		return false
	}

	if err := s.service.db.FinalizeSettled(instruction, receipt.TxRef); err != nil {
		logger.Error().Err(err).Msg("failed to record settled instruction")
		return false
	}

	// Settlement finalized: the reservation has served its purpose and the
	// collateral and exposure come back to the party.
	if err := s.risk.Release(instruction); err != nil {
		logger.Error().Err(err).Msg("failed to release reservation for settled instruction")
	}

	s.metrics.InstructionSettled()
	logger.Debug().Str("tx_ref", receipt.TxRef).Msg("instruction settled")
	return true
}

// runNettingPass settles every position above the epsilon as one consolidated
// transfer. A failed net transfer keeps its position for the next cycle.
func (s *Scheduler) runNettingPass(ctx context.Context, logger zerolog.Logger) {
	positions, err := s.netting.SettlableUnits(s.cfg.NettingEpsilon)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load settlable positions")
		return
	}

	for i := range positions {
		if err := s.netting.SettleNet(ctx, s.gateway, &positions[i]); err != nil {
			logger.Warn().Err(err).
				Str("position_key", positions[i].PositionKey).
				Msg("net settlement deferred to next cycle")
		}
	}
}

func (s *Scheduler) failCycle(cycle *SettlementCycle) {
	now := time.Now()
	cycle.EndTime = &now
	cycle.Status = CycleFailed
	if err := s.service.db.UpdateCycle(cycle); err != nil {
		log.Error().Err(err).Str("cycle_id", cycle.CycleID).Msg("failed to record failed cycle")
	}

	s.metrics.CycleFailed()
	s.bus.Publish(events.Event{
		Type:    events.CycleFailed,
		CycleID: cycle.CycleID,
	})
}
