package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/internal/types"
)

// ErrGatewayUnavailable indicates the gateway cannot take any traffic at all,
// as opposed to a single execution failing.
var ErrGatewayUnavailable = errors.New("ledger gateway unavailable")

// Receipt is the gateway's proof of execution.
type Receipt struct {
	TxRef      string    `json:"tx_ref"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Gateway executes settlement value movement on an external ledger. Execution
// is per-instruction: individual calls may be slow or fail independently.
type Gateway interface {
	// Ping reports whether the gateway can take traffic at all.
	Ping(ctx context.Context) error
	// Execute moves the instructed value and returns an external transaction
	// reference.
	Execute(ctx context.Context, instruction *types.SettlementInstruction) (*Receipt, error)
}

// SimulatedGateway mimics an external settlement ledger with configurable
// latency and failure behaviour. Used by the server binary and the simulation
// in place of a real ledger connection.
type SimulatedGateway struct {
	minLatency  time.Duration
	maxLatency  time.Duration
	failureRate float64

	mu   sync.Mutex
	rng  *rand.Rand
	down bool
}

func NewSimulatedGateway(minLatency, maxLatency time.Duration, failureRate float64) *SimulatedGateway {
	return &SimulatedGateway{
		minLatency:  minLatency,
		maxLatency:  maxLatency,
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetDown toggles total gateway unavailability, for operational drills.
func (g *SimulatedGateway) SetDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

func (g *SimulatedGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	down := g.down
	g.mu.Unlock()

	if down {
		return ErrGatewayUnavailable
	}
	return ctx.Err()
}

func (g *SimulatedGateway) Execute(ctx context.Context, instruction *types.SettlementInstruction) (*Receipt, error) {
	logger := log.With().
		Str("component", "ledger_gateway").
		Str("instruction_id", instruction.InstructionID).
		Str("asset", instruction.Asset).
		Str("amount", instruction.Amount.String()).
		Logger()

	if err := g.Ping(ctx); err != nil {
		return nil, err
	}

	latency := g.randomLatency()
	logger.Debug().Dur("latency", latency).Msg("simulated ledger latency")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(latency):
	}

	g.mu.Lock()
	failed := g.rng.Float64() < g.failureRate
	g.mu.Unlock()

	if failed {
		logger.Warn().Msg("simulated ledger execution failure")
		return nil, fmt.Errorf("ledger rejected transfer for %s", instruction.InstructionID)
	}

	receipt := &Receipt{
		TxRef:      "TX_" + uuid.New().String(),
		ExecutedAt: time.Now(),
	}

	logger.Debug().Str("tx_ref", receipt.TxRef).Msg("ledger execution confirmed")
	return receipt, nil
}

func (g *SimulatedGateway) randomLatency() time.Duration {
	if g.maxLatency <= g.minLatency {
		return g.minLatency
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.minLatency + time.Duration(g.rng.Int63n(int64(g.maxLatency-g.minLatency)))
}
