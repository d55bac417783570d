package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Type identifies a lifecycle event.
type Type string

const (
	InstructionCreated Type = "instruction.created"
	InstructionFailed  Type = "instruction.failed"
	MarginCall         Type = "margin.call"
	CycleCompleted     Type = "cycle.completed"
	CycleFailed        Type = "cycle.failed"
)

// Margin call severities
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Event is the single message shape published on the bus. Fields are
// populated per type; consumers switch on Type.
type Event struct {
	Type          Type            `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	InstructionID string          `json:"instruction_id,omitempty"`
	CycleID       string          `json:"cycle_id,omitempty"`
	Party         string          `json:"party,omitempty"`
	Counterparty  string          `json:"counterparty,omitempty"`
	Asset         string          `json:"asset,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Severity      string          `json:"severity,omitempty"`
	Reason        string          `json:"reason,omitempty"`

	// Cycle summary fields
	TotalInstructions   int             `json:"total_instructions,omitempty"`
	SettledInstructions int             `json:"settled_instructions,omitempty"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	TotalFees           decimal.Decimal `json:"total_fees"`
	NettingEfficiency   decimal.Decimal `json:"netting_efficiency"`
}

// Bus is an in-process fan-out of engine lifecycle events. Publishing never
// blocks the engine: a subscriber that falls behind has events dropped, not
// queued without bound.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer with the given buffer size and returns its
// channel. The channel is closed when the bus shuts down.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			log.Warn().
				Str("event_type", string(event.Type)).
				Msg("event subscriber buffer full, dropping event")
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
