package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor periodically sweeps exposures for high utilization independently of
// the settlement cycle, re-raising margin calls that intake may have emitted
// while no collateral was added since.
type Monitor struct {
	service  *Service
	interval time.Duration
}

func NewMonitor(service *Service, interval time.Duration) *Monitor {
	return &Monitor{
		service:  service,
		interval: interval,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "risk_monitor").Logger()
	logger.Info().Dur("interval", m.interval).Msg("starting risk monitor")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down risk monitor")
			return
		case <-ticker.C:
			if err := m.Sweep(); err != nil {
				logger.Error().Err(err).Msg("risk sweep failed")
			}
		}
	}
}

// Sweep scans for exposures at or above the warning threshold of the
// per-counterparty limit and emits margin calls for each.
func (m *Monitor) Sweep() error {
	logger := log.With().Str("component", "risk_monitor").Logger()

	warningThreshold := m.service.cfg.PerCounterpartyLimit.Mul(m.service.cfg.MarginWarningLevel)
	exposures, err := m.service.db.GetExposuresAbove(warningThreshold)
	if err != nil {
		return err
	}

	if len(exposures) == 0 {
		logger.Debug().Msg("no high-utilization exposures found")
		return nil
	}

	logger.Info().Int("count", len(exposures)).Msg("found high-utilization exposures")

	for _, exposure := range exposures {
		m.service.checkUtilization(exposure.ExposureAmount,
			exposure.Party, exposure.Counterparty, exposure.Asset)
	}

	return nil
}
