package settlement

import (
	"sync"

	"github.com/ksred/klear-settlement/internal/types"
)

// pendingQueue holds instructions waiting for the next cycle. The scheduler
// drains it with a single swap under the lock, so an instruction submitted
// during processing always lands in the following cycle and is never seen by
// two cycles at once.
type pendingQueue struct {
	mu     sync.Mutex
	items  []*types.SettlementInstruction
	closed bool
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{}
}

// Add appends an instruction, failing once intake has been closed for
// shutdown.
func (q *pendingQueue) Add(instruction *types.SettlementInstruction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.ErrIntakeClosed
	}
	q.items = append(q.items, instruction)
	return nil
}

// DrainAndSwap atomically takes the current contents and leaves an empty
// queue behind.
func (q *pendingQueue) DrainAndSwap() []*types.SettlementInstruction {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := q.items
	q.items = nil
	return snapshot
}

// Requeue puts a snapshot back at the front, used when a cycle aborts before
// processing anything. Requeueing is allowed even after close so the final
// drain still sees the instructions.
func (q *pendingQueue) Requeue(snapshot []*types.SettlementInstruction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(snapshot, q.items...)
}

// Len reports the current queue depth.
func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops intake; pending contents remain drainable.
func (q *pendingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
