// Package guard maintains a small, persistent set of entry guards,
// rotated only on sustained unreachability rather than re-selected on
// every circuit the way pathselect.SelectGuard alone would (spec §4.6 /
// "Entry guards": a client that re-rolled its entry point on every
// circuit would be far easier for a hostile entry relay to eventually
// observe). The teacher's pathselect package has no notion of a
// persistent set at all — every circuit calls SelectGuard fresh.
package guard

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/onionrelay/tor-go/directory"
)

// DefaultSetSize is the default number of guards kept (spec §6's
// NumEntryGuards default).
const DefaultSetSize = 3

// unreachableThreshold is how many consecutive failures against a guard
// mark it for rotation — a single failed circuit is expected noise, not
// evidence the guard itself is gone.
const unreachableThreshold = 3

type entry struct {
	relay           directory.Relay
	consecutiveFail int
}

// Set is a persistent, rotating entry-guard list.
type Set struct {
	mu      sync.Mutex
	size    int
	entries []*entry
}

// NewSet creates an empty guard set of the given size (DefaultSetSize if
// size <= 0).
func NewSet(size int) *Set {
	if size <= 0 {
		size = DefaultSetSize
	}
	return &Set{size: size}
}

// Ensure fills the set up to its configured size from consensus, picking
// new guards with pathselect's own Guard+Fast+Running+Valid+ntor-key
// criteria, bandwidth-weighted, applied
// here directly (kept local to avoid guard<->pathselect import cycles;
// both packages independently implement the same spec §4.6 flag filter).
func (s *Set) Ensure(consensus *directory.Consensus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.entries) < s.size {
		candidate, err := selectCandidate(consensus, s.entries)
		if err != nil {
			return fmt.Errorf("ensure guard set: %w", err)
		}
		s.entries = append(s.entries, &entry{relay: candidate})
	}
	return nil
}

// Choose returns a guard from the set, uniformly at random among members
// not currently past the failure threshold.
func (s *Set) Choose() (*directory.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var usable []*entry
	for _, e := range s.entries {
		if e.consecutiveFail < unreachableThreshold {
			usable = append(usable, e)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("no usable guards in set")
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(usable))))
	if err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	relay := usable[n.Int64()].relay
	return &relay, nil
}

// ReportSuccess clears a guard's failure count after a successful circuit
// build through it.
func (s *Set) ReportSuccess(identity [20]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.relay.Identity == identity {
			e.consecutiveFail = 0
			return
		}
	}
}

// ReportFailure records a failed circuit build through the named guard.
// Once a guard has failed unreachableThreshold times in a row it is
// dropped from the set so Ensure will rotate in a replacement — a single
// failed circuit never rotates a guard on its own.
func (s *Set) ReportFailure(identity [20]byte, consensus *directory.Consensus) error {
	s.mu.Lock()
	idx := -1
	for i, e := range s.entries {
		if e.relay.Identity == identity {
			e.consecutiveFail++
			if e.consecutiveFail >= unreachableThreshold {
				idx = i
			}
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	dropped := s.entries[idx].relay.Identity
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.mu.Unlock()

	if consensus != nil {
		// Refill from everything but the guard just dropped, so the
		// replacement is a different relay.
		rest := *consensus
		rest.Relays = make([]directory.Relay, 0, len(consensus.Relays))
		for _, r := range consensus.Relays {
			if r.Identity != dropped {
				rest.Relays = append(rest.Relays, r)
			}
		}
		return s.Ensure(&rest)
	}
	return nil
}

// Guards returns a snapshot of the current guard set.
func (s *Set) Guards() []directory.Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]directory.Relay, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.relay
	}
	return out
}

func selectCandidate(consensus *directory.Consensus, existing []*entry) (directory.Relay, error) {
	taken := make(map[[20]byte]bool, len(existing))
	for _, e := range existing {
		taken[e.relay.Identity] = true
	}

	var candidates []directory.Relay
	var weights []int64
	for _, r := range consensus.Relays {
		if !r.Flags.Guard || !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		if taken[r.Identity] {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, r.Bandwidth+1)
	}
	if len(candidates) == 0 {
		return directory.Relay{}, fmt.Errorf("no eligible guard candidates")
	}

	var total int64
	for _, w := range weights {
		total += w
	}
	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return directory.Relay{}, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()
	var cumulative int64
	for i, w := range weights {
		cumulative += w
		if r < cumulative {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}
