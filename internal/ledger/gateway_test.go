package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-settlement/internal/types"
)

func testInstruction() *types.SettlementInstruction {
	return &types.SettlementInstruction{
		InstructionID: "INS_gateway_test",
		FromParty:     "BANK_ALPHA",
		ToParty:       "BANK_BETA",
		Asset:         "USD",
		Amount:        decimal.NewFromInt(500),
	}
}

func TestSimulatedGatewayExecuteSucceeds(t *testing.T) {
	gateway := NewSimulatedGateway(0, 0, 0)

	receipt, err := gateway.Execute(context.Background(), testInstruction())
	require.NoError(t, err)
	assert.Contains(t, receipt.TxRef, "TX_")
	assert.False(t, receipt.ExecutedAt.IsZero())
}

func TestSimulatedGatewayExecuteFailsAtFullFailureRate(t *testing.T) {
	gateway := NewSimulatedGateway(0, 0, 1.0)

	_, err := gateway.Execute(context.Background(), testInstruction())
	assert.Error(t, err)
}

func TestSimulatedGatewayDown(t *testing.T) {
	gateway := NewSimulatedGateway(0, 0, 0)
	gateway.SetDown(true)

	err := gateway.Ping(context.Background())
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	_, err = gateway.Execute(context.Background(), testInstruction())
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	gateway.SetDown(false)
	assert.NoError(t, gateway.Ping(context.Background()))
}

func TestSimulatedGatewayRespectsContext(t *testing.T) {
	gateway := NewSimulatedGateway(time.Second, 2*time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gateway.Execute(ctx, testInstruction())
	assert.ErrorIs(t, err, context.Canceled)
}
