package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	first := bus.Subscribe(4)
	second := bus.Subscribe(4)

	bus.Publish(Event{
		Type:          InstructionCreated,
		InstructionID: "INS_test",
		Amount:        decimal.NewFromInt(100),
	})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, InstructionCreated, ev.Type)
			assert.Equal(t, "INS_test", ev.InstructionID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// A subscriber with a single-slot buffer that never reads.
	stalled := bus.Subscribe(1)
	healthy := bus.Subscribe(8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			bus.Publish(Event{Type: MarginCall, Party: "BANK_ALPHA"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	// The stalled subscriber kept exactly its buffered event; the healthy one
	// got all five.
	assert.Len(t, stalled, 1)
	assert.Len(t, healthy, 5)
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)

	bus.Close()

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")

	// Publishing and closing again are no-ops.
	bus.Publish(Event{Type: CycleCompleted})
	bus.Close()
}

func TestBusSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch := bus.Subscribe(1)
	_, ok := <-ch
	require.False(t, ok, "late subscription should get a closed channel")
}

// Monetary fields always serialize, including legitimate zero values, so
// consumers never have to distinguish "absent" from "zero".
func TestEventSerializesZeroAmounts(t *testing.T) {
	raw, err := json.Marshal(Event{
		Type:    CycleCompleted,
		CycleID: "CYC_empty",
	})
	require.NoError(t, err)

	payload := string(raw)
	assert.Contains(t, payload, `"amount":"0"`)
	assert.Contains(t, payload, `"total_amount":"0"`)
	assert.Contains(t, payload, `"total_fees":"0"`)
	assert.Contains(t, payload, `"netting_efficiency":"0"`)
}

func TestFeeCollectorAccumulatesCycleRevenue(t *testing.T) {
	bus := NewBus()
	collector := NewFeeCollector()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		collector.Start(ctx, bus)
	}()

	bus.Publish(Event{
		Type:        CycleCompleted,
		CycleID:     "CYC_1",
		TotalAmount: decimal.NewFromInt(1600),
		TotalFees:   decimal.RequireFromString("1.6"),
	})
	// Non-cycle events are ignored.
	bus.Publish(Event{Type: InstructionCreated, Amount: decimal.NewFromInt(999)})
	bus.Publish(Event{
		Type:        CycleCompleted,
		CycleID:     "CYC_2",
		TotalAmount: decimal.NewFromInt(400),
		TotalFees:   decimal.RequireFromString("0.4"),
	})

	require.Eventually(t, func() bool {
		_, _, cycles := collector.Totals()
		return cycles == 2
	}, time.Second, 10*time.Millisecond)

	volume, fees, cycles := collector.Totals()
	assert.True(t, volume.Equal(decimal.NewFromInt(2000)))
	assert.True(t, fees.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 2, cycles)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fee collector did not stop")
	}
	bus.Close()
}
