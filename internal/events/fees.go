package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// FeeCollector is the revenue-side consumer of completed cycles. It receives
// (totalAmount, totalFees) once per completed cycle and keeps running totals.
// The actual fee ledger lives outside the engine; this consumer is the
// notification boundary.
type FeeCollector struct {
	mu          sync.Mutex
	totalVolume decimal.Decimal
	totalFees   decimal.Decimal
	cycles      int
}

func NewFeeCollector() *FeeCollector {
	return &FeeCollector{}
}

// Start consumes cycle events from the bus until the context is cancelled or
// the bus closes.
func (f *FeeCollector) Start(ctx context.Context, bus *Bus) {
	logger := log.With().Str("component", "fee_collector").Logger()
	events := bus.Subscribe(64)

	logger.Info().Msg("fee collector started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("fee collector shutting down")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != CycleCompleted {
				continue
			}
			f.record(event)
			logger.Info().
				Str("cycle_id", event.CycleID).
				Str("total_amount", event.TotalAmount.String()).
				Str("total_fees", event.TotalFees.String()).
				Msg("recorded cycle revenue")
		}
	}
}

func (f *FeeCollector) record(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalVolume = f.totalVolume.Add(event.TotalAmount)
	f.totalFees = f.totalFees.Add(event.TotalFees)
	f.cycles++
}

// Totals returns the accumulated volume, fees, and cycle count.
func (f *FeeCollector) Totals() (volume, fees decimal.Decimal, cycles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalVolume, f.totalFees, f.cycles
}
