package stream

import (
	"log/slog"
	"sync"

	"github.com/onionrelay/tor-go/circuit"
)

// relayMsg is one relay-cell payload dispatched to a stream's inbox, or a
// terminal error if the circuit's single reader failed.
type relayMsg struct {
	cmd  uint8
	data []byte
	err  error
}

// inbox is an unbounded queue with blocking Pop, used to push delivered
// relay cells to a stream without the circuit's single reader goroutine
// blocking on a slow consumer (spec's QueueRecvdData semantics).
type inbox struct {
	mu   sync.Mutex
	cond *sync.Cond
	q    []relayMsg
}

func newInbox() *inbox {
	b := &inbox{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *inbox) push(m relayMsg) {
	b.mu.Lock()
	b.q = append(b.q, m)
	b.cond.Signal()
	b.mu.Unlock()
}

func (b *inbox) pop() relayMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.q) == 0 {
		b.cond.Wait()
	}
	m := b.q[0]
	b.q = b.q[1:]
	return m
}

// Mux owns the single reader loop for a circuit and fans incoming relay
// cells out to the streams open on it, keyed by stream ID. The teacher's
// Stream.Read called circ.ReceiveRelay directly and discarded cells for
// any other stream ID (see the former "multiplex streams properly" TODO);
// Mux replaces that discard with real per-stream delivery so more than one
// stream can share a circuit concurrently.
type Mux struct {
	circ    *circuit.Circuit
	mu      sync.Mutex
	streams map[uint16]*Stream
}

// NewMux creates a dispatcher for circ. Call Run in its own goroutine once
// the circuit is ready to carry streams.
func NewMux(circ *circuit.Circuit) *Mux {
	return &Mux{circ: circ, streams: make(map[uint16]*Stream)}
}

// Run reads relay cells off the circuit until ReceiveRelay errors,
// dispatching each to its target stream. Circuit-level SENDME (streamID 0)
// fans out to every registered stream.
func (m *Mux) Run(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		_, relayCmd, streamID, data, err := m.circ.ReceiveRelay()
		if err != nil {
			m.broadcast(relayMsg{err: err})
			return
		}

		if relayCmd == circuit.RelaySendMe && streamID == 0 {
			m.broadcast(relayMsg{cmd: relayCmd})
			continue
		}

		if relayCmd == circuit.RelayTruncated {
			// Drop all hops beyond the one that sent TRUNCATED — this
			// client only ever extends at the tail, so that's always
			// the hop one short of the circuit's current length.
			m.circ.Truncate(m.circ.NumHops() - 1)
			logger.Info("circuit truncated", "hops", m.circ.NumHops())
			m.broadcast(relayMsg{cmd: relayCmd})
			continue
		}

		m.mu.Lock()
		s, ok := m.streams[streamID]
		m.mu.Unlock()
		if !ok {
			logger.Debug("dropping relay cell for unknown stream", "streamID", streamID, "cmd", relayCmd)
			continue
		}
		s.box.push(relayMsg{cmd: relayCmd, data: data})
	}
}

func (m *Mux) broadcast(msg relayMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams {
		s.box.push(msg)
	}
}

// Register adds a stream to the dispatch table. Call before sending
// RELAY_BEGIN so the response isn't dropped as belonging to an unknown
// stream.
func (m *Mux) Register(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.ID] = s
}

// Unregister removes a stream from the dispatch table, e.g. once closed.
func (m *Mux) Unregister(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}
