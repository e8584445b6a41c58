// Package reactor implements the single cooperative event loop that owns
// every link, every circuit's cell queue, and the write path to the
// wire. cmd/tor-client/main.go gets away with one blocking goroutine per
// circuit because it only ever drives a single circuit; a host embedding
// this library needs many links and circuits live at once without each
// one's blocking ReadCell/WriteCell call racing another's, so this
// collapses all of that onto one goroutine fed by per-link reader
// goroutines and a small bounded crypto worker pool for the handshake
// math that would otherwise stall the loop.
package reactor

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/onionrelay/tor-go/cell"
	"github.com/onionrelay/tor-go/link"
)

const cellEventBuffer = 256

// cellDelivery is one cell read off a link, tagged with where it came
// from so the loop can route it to the right per-circuit queue.
type cellDelivery struct {
	addr string
	c    cell.Cell
	err  error
}

// Reactor is the sole writer to every link it owns and the sole reader
// of link-level events. Everything else — circuit construction, stream
// multiplexing — talks to it through EnqueueCell and RegisterCircuit
// instead of touching a *link.Link directly.
type Reactor struct {
	logger *slog.Logger

	mu       sync.Mutex
	links    map[string]*link.Link
	circuits map[uint32]chan cell.Cell
	stopped  bool

	cellEvents chan cellDelivery
	commands   chan func()
	done       chan struct{}

	pool *cryptoPool
}

// New creates a Reactor. Call Start to begin running its event loop and
// crypto worker pool; call Stop to shut both down.
func New(logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		logger:     logger,
		links:      make(map[string]*link.Link),
		circuits:   make(map[uint32]chan cell.Cell),
		cellEvents: make(chan cellDelivery, cellEventBuffer),
		commands:   make(chan func()),
		done:       make(chan struct{}),
		pool:       newCryptoPool(runtime.GOMAXPROCS(0)),
	}
}

// Start launches the crypto worker pool and the event loop goroutine.
func (r *Reactor) Start() {
	r.pool.start()
	go r.loop()
}

// Stop shuts the reactor down. Registered links and circuits are not
// closed — callers that own them are responsible for that, mirroring
// the teacher's own explicit l.Close()/circ.Destroy() calls on shutdown.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.done)
	r.pool.stop()
}

// AddLink registers an already-handshaken link under addr and starts the
// goroutine that feeds its cells into the reactor's dispatch loop.
func (r *Reactor) AddLink(addr string, l *link.Link) {
	r.mu.Lock()
	r.links[addr] = l
	r.mu.Unlock()
	go r.readLinkLoop(addr, l)
}

// RemoveLink drops a link from the reactor. The caller still owns
// closing the underlying connection.
func (r *Reactor) RemoveLink(addr string) {
	r.mu.Lock()
	delete(r.links, addr)
	r.mu.Unlock()
}

func (r *Reactor) readLinkLoop(addr string, l *link.Link) {
	for {
		c, err := l.Reader.ReadCell()
		select {
		case r.cellEvents <- cellDelivery{addr: addr, c: c, err: err}:
		case <-r.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// RegisterCircuit allocates the inbound queue for circID and returns it.
// Stream layers read from this channel instead of calling
// circuit.Circuit.ReceiveRelay directly once a circuit is reactor-owned.
func (r *Reactor) RegisterCircuit(circID uint32) <-chan cell.Cell {
	ch := make(chan cell.Cell, 64)
	r.mu.Lock()
	r.circuits[circID] = ch
	r.mu.Unlock()
	return ch
}

// UnregisterCircuit removes and closes a circuit's inbound queue.
func (r *Reactor) UnregisterCircuit(circID uint32) {
	r.mu.Lock()
	ch, ok := r.circuits[circID]
	delete(r.circuits, circID)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// EnqueueCell hands a cell to the link's write-fairness scheduler and
// flushes it, all on the reactor's own goroutine — the only place any
// link is ever written to, satisfying the single-writer requirement.
func (r *Reactor) EnqueueCell(addr string, circID uint32, c cell.Cell) error {
	result := make(chan error, 1)
	cmd := func() { result <- r.enqueueAndFlush(addr, circID, c) }
	select {
	case r.commands <- cmd:
	case <-r.done:
		return fmt.Errorf("reactor stopped")
	}
	select {
	case err := <-result:
		return err
	case <-r.done:
		return fmt.Errorf("reactor stopped")
	}
}

func (r *Reactor) enqueueAndFlush(addr string, circID uint32, c cell.Cell) error {
	r.mu.Lock()
	l, ok := r.links[addr]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("reactor: no link registered for %s", addr)
	}

	l.QueueCell(circID, c)
	for {
		flushed, err := l.FlushOne()
		if err != nil {
			return fmt.Errorf("flush to %s: %w", addr, err)
		}
		if !flushed {
			return nil
		}
	}
}

// Submit offloads a CPU-heavy computation (a TLS handshake step, an
// ntor/hs-ntor DH operation) to the bounded crypto worker pool instead of
// blocking the event loop goroutine, per the pool-sizing rationale in the
// package doc comment.
func (r *Reactor) Submit(fn func() (any, error)) <-chan Result {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		result := make(chan Result, 1)
		result <- Result{Err: fmt.Errorf("reactor stopped")}
		return result
	}
	return r.pool.submit(fn)
}

func (r *Reactor) loop() {
	for {
		select {
		case ev := <-r.cellEvents:
			r.dispatch(ev)
		case cmd := <-r.commands:
			cmd()
		case <-r.done:
			return
		}
	}
}

func (r *Reactor) dispatch(ev cellDelivery) {
	if ev.err != nil {
		r.logger.Warn("link read failed, dropping link", "addr", ev.addr, "error", ev.err)
		r.RemoveLink(ev.addr)
		return
	}

	circID := ev.c.CircID()
	r.mu.Lock()
	ch, ok := r.circuits[circID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("cell for unregistered circuit dropped", "circID", fmt.Sprintf("0x%08x", circID))
		return
	}

	select {
	case ch <- ev.c:
	default:
		r.logger.Warn("circuit cell queue full, dropping cell", "circID", fmt.Sprintf("0x%08x", circID))
	}
}
