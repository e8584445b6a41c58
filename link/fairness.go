package link

import (
	"container/heap"
	"math"
	"sync"

	"github.com/onionrelay/tor-go/cell"
)

// FairnessHalflifeTicks sets how quickly a circuit's EWMA cell count decays
// relative to others, per tor-spec's circuit priority scheduling: a busy
// circuit's weight ages out over this many scheduling ticks, letting quiet
// circuits catch back up instead of being starved permanently.
const FairnessHalflifeTicks = 100

// decayFactor is S = 0.5^(1/halflife) applied to every queued circuit's
// count each time the scheduler is ticked.
var decayFactor = math.Pow(0.5, 1.0/float64(FairnessHalflifeTicks))

// pendingCell is one queued write for a circuit.
type pendingCell struct {
	circID uint32
	c      cell.Cell
}

// circQueue holds the pending writes and EWMA weight for one circuit.
type circQueue struct {
	circID uint32
	count  float64 // EWMA-aged cell count; lower means higher scheduling priority
	cells  []cell.Cell
	index  int // heap index, maintained by container/heap
}

// fairnessHeap is a min-heap on circQueue.count, implementing
// lowest-count-first write scheduling (tor-spec §"Circuit priority with
// EWMA", generalized here to operate per-Link instead of a single
// process-global scheduler).
type fairnessHeap []*circQueue

func (h fairnessHeap) Len() int            { return len(h) }
func (h fairnessHeap) Less(i, j int) bool  { return h[i].count < h[j].count }
func (h fairnessHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *fairnessHeap) Push(x interface{}) {
	q := x.(*circQueue)
	q.index = len(*h)
	*h = append(*h, q)
}
func (h *fairnessHeap) Pop() interface{} {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.index = -1
	*h = old[:n-1]
	return q
}

// Scheduler assigns write order among a link's active circuits using
// EWMA-aged cell counts so that a bulk-transfer circuit cannot starve an
// interactive one sharing the same link.
type Scheduler struct {
	mu      sync.Mutex
	queues  map[uint32]*circQueue
	heap    fairnessHeap
}

// NewScheduler creates an empty write-fairness scheduler for one link.
func NewScheduler() *Scheduler {
	return &Scheduler{queues: make(map[uint32]*circQueue)}
}

// Enqueue queues c for writing on behalf of circID, creating that
// circuit's queue entry if needed.
func (s *Scheduler) Enqueue(circID uint32, c cell.Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[circID]
	if !ok {
		q = &circQueue{circID: circID}
		s.queues[circID] = q
		heap.Push(&s.heap, q)
	}
	q.cells = append(q.cells, c)
}

// Next pops the single next cell to write, chosen from the circuit with
// the lowest aged count, and then ages every queued circuit's count, the
// one just served included, by decayFactor (EWMA multiplicative aging). Returns ok=false if nothing is
// queued.
func (s *Scheduler) Next() (c cell.Cell, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return nil, false
	}

	q := s.heap[0]
	c = q.cells[0]
	q.cells = q.cells[1:]
	q.count += 1
	heap.Fix(&s.heap, q.index)

	for _, other := range s.heap {
		other.count *= decayFactor
	}
	heap.Fix(&s.heap, q.index)

	if len(q.cells) == 0 {
		heap.Remove(&s.heap, q.index)
		delete(s.queues, q.circID)
	}
	return c, true
}

// Remove drops a circuit's queue entirely, e.g. once it has been torn down.
func (s *Scheduler) Remove(circID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[circID]
	if !ok {
		return
	}
	heap.Remove(&s.heap, q.index)
	delete(s.queues, circID)
}

// Len reports how many circuits currently have queued writes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}
