// Package circuitmgr maintains a small pool of pre-built circuits so
// streams don't each pay the 3-hop build latency, retires circuits once
// they cross a dirtiness horizon, and caps how many distinct circuits a
// single stream will be retried against. cmd/tor-client/main.go builds
// exactly one circuit up front and hands it to the SOCKS server for the
// life of the process; this generalizes that into an always-on pool with
// the rotation behavior spec §4.5/§6 describes ("MaxCircuitDirtiness").
package circuitmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onionrelay/tor-go/circuit"
	"github.com/onionrelay/tor-go/descriptor"
	"github.com/onionrelay/tor-go/directory"
	"github.com/onionrelay/tor-go/guard"
	"github.com/onionrelay/tor-go/link"
	"github.com/onionrelay/tor-go/pathselect"
	"github.com/onionrelay/tor-go/torerr"
)

// MaxAttachRetries bounds how many distinct circuits a single stream
// attach will try before giving up (spec §4.5/§9).
const MaxAttachRetries = 3

// managed wraps a built circuit with pool bookkeeping.
type managed struct {
	circ      *circuit.Circuit
	link      *link.Link
	createdAt time.Time
	streams   int
}

// Manager pools clean circuits and retires them past a dirtiness
// horizon. It does not itself read cells off the wire — callers own the
// per-circuit reader (directly, or via a stream.Mux) the same way
// cmd/tor-client's single global circuit did.
type Manager struct {
	mu        sync.Mutex
	pool      []*managed
	poolSize  int
	dirtiness time.Duration
	guards    *guard.Set
	logger    *slog.Logger
}

// New creates a Manager. poolSize is how many idle clean circuits to
// keep warm; dirtiness is the MaxCircuitDirtiness horizon after which a
// circuit is retired rather than reused for a new stream.
func New(poolSize int, dirtiness time.Duration, guards *guard.Set, logger *slog.Logger) *Manager {
	if poolSize <= 0 {
		poolSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{poolSize: poolSize, dirtiness: dirtiness, guards: guards, logger: logger}
}

// Acquire returns a clean circuit, reusing one from the pool if its age
// is still within the dirtiness horizon, building a fresh one otherwise.
func (m *Manager) Acquire(consensus *directory.Consensus) (*circuit.Circuit, *link.Link, error) {
	m.mu.Lock()
	for i, mc := range m.pool {
		if time.Since(mc.createdAt) < m.dirtiness {
			m.pool = append(m.pool[:i], m.pool[i+1:]...)
			m.mu.Unlock()
			mc.streams++
			return mc.circ, mc.link, nil
		}
	}
	m.mu.Unlock()

	circ, l, err := m.build(consensus)
	if err != nil {
		return nil, nil, err
	}
	return circ, l, nil
}

// Release returns a circuit to the pool for reuse by a later stream, as
// long as it's still within its dirtiness horizon and the pool isn't
// already full; otherwise it's torn down.
func (m *Manager) Release(circ *circuit.Circuit, l *link.Link, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if circ.IsMarkedForClose() || time.Since(createdAt) >= m.dirtiness || len(m.pool) >= m.poolSize {
		_ = circ.Destroy()
		_ = l.Close()
		return
	}
	m.pool = append(m.pool, &managed{circ: circ, link: l, createdAt: createdAt})
}

// AttachStream runs attach against up to MaxAttachRetries distinct
// circuits, retrying through a fresh circuit on failure instead of
// giving up after one bad hop — mirroring the retry-3-times shape of
// cmd/tor-client's circuitBuilder.BuildCircuit and buildInitialCircuit.
func (m *Manager) AttachStream(consensus *directory.Consensus, attach func(*circuit.Circuit) error) error {
	var lastErr error
	for attempt := 0; attempt < MaxAttachRetries; attempt++ {
		circ, l, err := m.Acquire(consensus)
		if err != nil {
			return fmt.Errorf("acquire circuit: %w", err)
		}
		createdAt := time.Now()

		if err := attach(circ); err != nil {
			lastErr = err
			m.logger.Warn("stream attach failed, retrying on a new circuit", "attempt", attempt, "error", err)
			_ = circ.Destroy()
			_ = l.Close()
			continue
		}
		m.Release(circ, l, createdAt)
		return nil
	}
	return fmt.Errorf("attach stream after %d circuits: %w", MaxAttachRetries, lastErr)
}

// DrainPool marks every pooled circuit for close and empties the pool,
// without touching circuits already handed out to callers (NewIdentity
// semantics, spec §4.8's switch_to_new_circuits: existing streams keep
// running, only future Acquire calls get a fresh path).
func (m *Manager) DrainPool() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mc := range m.pool {
		_ = mc.circ.MarkForClose(torerr.EndReasonDestroy)
		_ = mc.link.Close()
	}
	m.pool = nil
}

func (m *Manager) build(consensus *directory.Consensus) (*circuit.Circuit, *link.Link, error) {
	circ, l, _, err := m.BuildFresh(consensus)
	return circ, l, err
}

// BuildFresh builds a new 3-hop circuit via full guard/middle/exit path
// selection, bypassing the pool entirely, and also returns the exit relay
// it landed on — the onion package's CircuitBuilder needs that last-hop
// info (descriptor.RelayInfo) to address a rendezvous circuit's last hop
// when no specific target was requested.
func (m *Manager) BuildFresh(consensus *directory.Consensus) (*circuit.Circuit, *link.Link, *directory.Relay, error) {
	if err := m.guards.Ensure(consensus); err != nil {
		return nil, nil, nil, fmt.Errorf("ensure guard set: %w", err)
	}

	path, err := pathselect.SelectPathWithGuard(consensus, m.guards.Choose)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("select path: %w", err)
	}

	l, err := link.Handshake(fmt.Sprintf("%s:%d", path.Guard.Address, path.Guard.ORPort), m.logger)
	if err != nil {
		_ = m.guards.ReportFailure(path.Guard.Identity, consensus)
		return nil, nil, nil, fmt.Errorf("guard handshake: %w", err)
	}

	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	circ, err := createHop(l, relayInfo(&path.Guard), m.logger)
	if err != nil {
		_ = l.Close()
		_ = m.guards.ReportFailure(path.Guard.Identity, consensus)
		return nil, nil, nil, fmt.Errorf("circuit create: %w", err)
	}
	m.guards.ReportSuccess(path.Guard.Identity)

	if err := extendHop(circ, relayInfo(&path.Middle), m.logger); err != nil {
		_ = l.Close()
		return nil, nil, nil, fmt.Errorf("extend to middle: %w", err)
	}
	if err := extendHop(circ, relayInfo(&path.Exit), m.logger); err != nil {
		_ = l.Close()
		return nil, nil, nil, fmt.Errorf("extend to exit: %w", err)
	}
	_ = l.SetDeadline(time.Time{})

	return circ, l, &path.Exit, nil
}

// BuildCircuitTo builds a fresh 3-hop circuit ending at target instead of
// a consensus-selected exit, for callers (onion.CircuitBuilder) that
// already know their last hop — an introduction point, HSDir, or
// rendezvous point is never chosen by exit-flag selection the way
// build's normal path is. Guard and middle selection otherwise follow
// the same pathselect/guard machinery as build.
func (m *Manager) BuildCircuitTo(consensus *directory.Consensus, target *descriptor.RelayInfo) (*circuit.Circuit, *link.Link, error) {
	if err := m.guards.Ensure(consensus); err != nil {
		return nil, nil, fmt.Errorf("ensure guard set: %w", err)
	}

	guardRelay, err := m.guards.Choose()
	if err != nil {
		return nil, nil, fmt.Errorf("choose guard: %w", err)
	}

	targetAsRelay := &directory.Relay{Identity: target.NodeID, Address: target.Address}
	middle, err := pathselect.SelectMiddle(consensus, guardRelay, targetAsRelay)
	if err != nil {
		return nil, nil, fmt.Errorf("select middle: %w", err)
	}

	l, err := link.Handshake(fmt.Sprintf("%s:%d", guardRelay.Address, guardRelay.ORPort), m.logger)
	if err != nil {
		_ = m.guards.ReportFailure(guardRelay.Identity, consensus)
		return nil, nil, fmt.Errorf("guard handshake: %w", err)
	}

	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	circ, err := createHop(l, relayInfo(guardRelay), m.logger)
	if err != nil {
		_ = l.Close()
		_ = m.guards.ReportFailure(guardRelay.Identity, consensus)
		return nil, nil, fmt.Errorf("circuit create: %w", err)
	}
	m.guards.ReportSuccess(guardRelay.Identity)

	if err := extendHop(circ, relayInfo(middle), m.logger); err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("extend to middle: %w", err)
	}
	if err := extendHop(circ, target, m.logger); err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("extend to target: %w", err)
	}
	_ = l.SetDeadline(time.Time{})

	return circ, l, nil
}

func relayInfo(r *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       r.Identity,
		NtorOnionKey: r.NtorOnionKey,
		TAPOnionKey:  r.TAPOnionKey,
		Address:      r.Address,
		ORPort:       r.ORPort,
	}
}

// createHop and extendHop pick TAP or ntor per hop depending on which
// onion-key the relay's descriptor actually published — the same
// criterion real Tor clients use to decide whether a relay still speaks
// the legacy handshake.
func createHop(l *link.Link, ri *descriptor.RelayInfo, logger *slog.Logger) (*circuit.Circuit, error) {
	if ri.TAPOnionKey != nil {
		return circuit.Create(l, ri, logger)
	}
	return circuit.CreateNtor(l, ri, logger)
}

func extendHop(circ *circuit.Circuit, ri *descriptor.RelayInfo, logger *slog.Logger) error {
	if ri.TAPOnionKey != nil {
		return circ.Extend(ri, logger)
	}
	return circ.ExtendNtor(ri, logger)
}
