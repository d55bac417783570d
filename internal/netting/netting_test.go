package netting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&NettingPosition{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return NewService(db)
}

func instruction(from, to string, amount int64) *types.SettlementInstruction {
	return &types.SettlementInstruction{
		InstructionID: "INS_" + from + "_" + to + "_" + decimal.NewFromInt(amount).String(),
		FromParty:     from,
		ToParty:       to,
		Asset:         "USD",
		Amount:        decimal.NewFromInt(amount),
		Currency:      "USD",
	}
}

func TestCanonicalKeyOrdersParties(t *testing.T) {
	key1, first, second := CanonicalKey("BANK_BETA", "BANK_ALPHA", "USD")
	key2, _, _ := CanonicalKey("BANK_ALPHA", "BANK_BETA", "USD")

	assert.Equal(t, key1, key2)
	assert.Equal(t, "BANK_ALPHA", first)
	assert.Equal(t, "BANK_BETA", second)
	assert.Equal(t, "BANK_ALPHA|BANK_BETA|USD", key1)

	// Different assets are different positions.
	key3, _, _ := CanonicalKey("BANK_ALPHA", "BANK_BETA", "EUR")
	assert.NotEqual(t, key1, key3)
}

func TestApplyInstructionOffsetsOppositeFlows(t *testing.T) {
	svc := newTestService(t)

	// BANK_ALPHA owes BANK_BETA 1000, then BANK_BETA owes BANK_ALPHA 600:
	// the position nets to 400 owed by BANK_ALPHA.
	ins1 := instruction("BANK_ALPHA", "BANK_BETA", 1000)
	require.NoError(t, svc.ApplyInstruction(ins1))
	assert.True(t, ins1.NettingAmount.Equal(decimal.NewFromInt(1000)))

	ins2 := instruction("BANK_BETA", "BANK_ALPHA", 600)
	require.NoError(t, svc.ApplyInstruction(ins2))
	assert.True(t, ins2.NettingAmount.Equal(decimal.NewFromInt(-600)))

	position, err := svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	assert.True(t, position.NetAmount.Equal(decimal.NewFromInt(400)))

	// The sum of netting amounts equals the consolidated transfer.
	sum := ins1.NettingAmount.Add(ins2.NettingAmount)
	assert.True(t, sum.Equal(position.NetAmount.Abs()))
}

func TestApplyInstructionNetCrossesZero(t *testing.T) {
	svc := newTestService(t)

	// 300 one way, 800 the other: the net flips sign through zero.
	require.NoError(t, svc.ApplyInstruction(instruction("BANK_ALPHA", "BANK_BETA", 300)))

	ins := instruction("BANK_BETA", "BANK_ALPHA", 800)
	require.NoError(t, svc.ApplyInstruction(ins))

	position, err := svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	assert.True(t, position.NetAmount.Equal(decimal.NewFromInt(-500)))

	// |−500| − |300| = 200
	assert.True(t, ins.NettingAmount.Equal(decimal.NewFromInt(200)))
}

func TestNettingAmountSumTracksNet(t *testing.T) {
	svc := newTestService(t)

	flows := []struct {
		from, to string
		amount   int64
	}{
		{"BANK_ALPHA", "BANK_BETA", 1200},
		{"BANK_BETA", "BANK_ALPHA", 700},
		{"BANK_ALPHA", "BANK_BETA", 250},
		{"BANK_BETA", "BANK_ALPHA", 900},
	}

	sum := decimal.Zero
	for _, f := range flows {
		ins := instruction(f.from, f.to, f.amount)
		require.NoError(t, svc.ApplyInstruction(ins))
		sum = sum.Add(ins.NettingAmount)
	}

	position, err := svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	assert.True(t, sum.Equal(position.NetAmount.Abs()),
		"netting amount sum %s != |net| %s", sum, position.NetAmount.Abs())
}

func TestSettlableUnitsRespectEpsilon(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.ApplyInstruction(instruction("BANK_ALPHA", "BANK_BETA", 1000)))
	require.NoError(t, svc.ApplyInstruction(instruction("BANK_GAMMA", "BANK_DELTA", 1000)))
	// This pair nets to exactly zero.
	require.NoError(t, svc.ApplyInstruction(instruction("BANK_GAMMA", "BANK_DELTA", 500)))
	require.NoError(t, svc.ApplyInstruction(instruction("BANK_DELTA", "BANK_GAMMA", 1500)))

	positions, err := svc.SettlableUnits(decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BANK_ALPHA|BANK_BETA|USD", positions[0].PositionKey)
}

type recordingGateway struct {
	executed []*types.SettlementInstruction
	fail     bool
}

func (g *recordingGateway) Ping(ctx context.Context) error { return nil }

func (g *recordingGateway) Execute(ctx context.Context, instruction *types.SettlementInstruction) (*ledger.Receipt, error) {
	if g.fail {
		return nil, errors.New("gateway rejected transfer")
	}
	g.executed = append(g.executed, instruction)
	return &ledger.Receipt{TxRef: "TX_test"}, nil
}

func TestSettleNetEmitsConsolidatedTransfer(t *testing.T) {
	svc := newTestService(t)
	gateway := &recordingGateway{}

	require.NoError(t, svc.ApplyInstruction(instruction("BANK_ALPHA", "BANK_BETA", 1000)))
	require.NoError(t, svc.ApplyInstruction(instruction("BANK_BETA", "BANK_ALPHA", 600)))

	position, err := svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	require.NoError(t, svc.SettleNet(context.Background(), gateway, position))

	require.Len(t, gateway.executed, 1)
	transfer := gateway.executed[0]
	assert.Equal(t, "BANK_ALPHA", transfer.FromParty)
	assert.Equal(t, "BANK_BETA", transfer.ToParty)
	assert.True(t, transfer.Amount.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, types.TypeNetTransfer, transfer.InstructionType)

	// The position is reset with the transfer recorded in its history.
	position, err = svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	assert.True(t, position.NetAmount.IsZero())
	assert.True(t, position.TotalSettled.Equal(decimal.NewFromInt(400)))
	assert.EqualValues(t, 1, position.SettlementCount)
}

func TestSettleNetDirectionFollowsSign(t *testing.T) {
	svc := newTestService(t)
	gateway := &recordingGateway{}

	// BANK_BETA ends up the debtor.
	require.NoError(t, svc.ApplyInstruction(instruction("BANK_BETA", "BANK_ALPHA", 900)))
	require.NoError(t, svc.ApplyInstruction(instruction("BANK_ALPHA", "BANK_BETA", 200)))

	position, err := svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	require.NoError(t, svc.SettleNet(context.Background(), gateway, position))

	require.Len(t, gateway.executed, 1)
	assert.Equal(t, "BANK_BETA", gateway.executed[0].FromParty)
	assert.Equal(t, "BANK_ALPHA", gateway.executed[0].ToParty)
	assert.True(t, gateway.executed[0].Amount.Equal(decimal.NewFromInt(700)))
}

func TestSettleNetFailureRetainsPosition(t *testing.T) {
	svc := newTestService(t)
	gateway := &recordingGateway{fail: true}

	require.NoError(t, svc.ApplyInstruction(instruction("BANK_ALPHA", "BANK_BETA", 1000)))

	position, err := svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	assert.Error(t, svc.SettleNet(context.Background(), gateway, position))

	// Nothing was reset: the net carries into the next cycle.
	position, err = svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	assert.True(t, position.NetAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, position.TotalSettled.IsZero())
	assert.EqualValues(t, 0, position.SettlementCount)
}

func TestSettleNetZeroPositionIsNoOp(t *testing.T) {
	svc := newTestService(t)
	gateway := &recordingGateway{}

	require.NoError(t, svc.ApplyInstruction(instruction("BANK_ALPHA", "BANK_BETA", 500)))
	require.NoError(t, svc.ApplyInstruction(instruction("BANK_BETA", "BANK_ALPHA", 500)))

	position, err := svc.GetPosition("BANK_ALPHA", "BANK_BETA", "USD")
	require.NoError(t, err)
	require.NoError(t, svc.SettleNet(context.Background(), gateway, position))

	assert.Empty(t, gateway.executed)
}
