package onion

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"

	"github.com/onionrelay/tor-go/directory"
)

const hsdirSpreadFetch = 3

// hsdirEntry pairs a relay with its 20-byte identity fingerprint, the ring
// index used for legacy HSDir selection.
type hsdirEntry struct {
	Relay *directory.Relay
}

// SelectHSDirs selects the HSDirs responsible for a descriptor-id, per
// rend-spec §1.4: relays flagged HSDir are arranged into a ring sorted by
// identity fingerprint, and for each of the service's descriptor-ids the
// hsdirSpreadFetch relays starting at its ring successor are queried.
func SelectHSDirs(consensus *directory.Consensus, permanentID [10]byte, periodNum, periodLength int64) ([]*directory.Relay, error) {
	var ring []hsdirEntry
	for i := range consensus.Relays {
		r := &consensus.Relays[i]
		if !r.Flags.HSDir || !r.Flags.Running || !r.Flags.Valid {
			continue
		}
		ring = append(ring, hsdirEntry{Relay: r})
	}
	if len(ring) == 0 {
		return nil, fmt.Errorf("no HSDir relays in consensus")
	}

	sort.Slice(ring, func(i, j int) bool {
		return bytes.Compare(ring[i].Relay.Identity[:], ring[j].Relay.Identity[:]) < 0
	})

	selected := make(map[*directory.Relay]bool)
	var result []*directory.Relay

	for _, descID := range DescriptorIDs(permanentID, periodNum, periodLength) {
		start := sort.Search(len(ring), func(i int) bool {
			return bytes.Compare(ring[i].Relay.Identity[:], descID[:]) >= 0
		})

		count := 0
		offset := 0
		for count < hsdirSpreadFetch && len(selected) < len(ring) {
			pos := (start + offset) % len(ring)
			offset++
			r := ring[pos].Relay
			if selected[r] {
				continue
			}
			selected[r] = true
			result = append(result, r)
			count++
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("no HSDirs selected")
	}
	return result, nil
}

// PickRandomHSDir picks a random HSDir from the candidate list.
func PickRandomHSDir(candidates []*directory.Relay) (*directory.Relay, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no HSDir candidates")
	}
	idx, err := uniformRandom(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

func uniformRandom(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("n must be positive")
	}
	max := new(big.Int).SetInt64(int64(n))
	r, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(r.Int64()), nil
}
