package circuit

import (
	"fmt"
	"sync"

	"github.com/onionrelay/tor-go/cell"
	"github.com/onionrelay/tor-go/link"
)

// ORCircuit is the OR-role half of a circuit: the cell-forwarding subset a
// client acting as a single-hop relay (e.g. serving as a rendezvous point
// for someone else, or forwarding on behalf of a hidden service it hosts)
// needs, as opposed to Circuit's origin-role onion encrypt/decrypt. It
// never touches relay-cell payloads — it forwards opaque fixed cells
// between its two links, swapping in the circuit ID used on the outgoing
// side and relaying the cell otherwise untouched. The teacher only ever builds origin circuits (see
// Circuit in circuit.go); this is new code grounded on the same
// CircID/link plumbing it already uses.
type ORCircuit struct {
	mu sync.Mutex

	// IDs on each side may differ: the client-facing circID assigned by
	// PrevLink's peer, and the circID this side assigned for NextLink.
	PrevLink  *link.Link
	PrevCircID uint32
	NextLink  *link.Link
	NextCircID uint32
}

// ForwardToNext relays a fixed cell received on PrevLink onward to
// NextLink, rewriting its circuit ID.
func (o *ORCircuit) ForwardToNext(c cell.Cell) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.NextLink == nil {
		return fmt.Errorf("circuit has no next hop to forward to")
	}
	fwd := cloneWithCircID(c, o.NextCircID)
	o.NextLink.QueueCell(o.NextCircID, fwd)
	return nil
}

// ForwardToPrev relays a fixed cell received on NextLink back to PrevLink,
// rewriting its circuit ID.
func (o *ORCircuit) ForwardToPrev(c cell.Cell) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PrevLink == nil {
		return fmt.Errorf("circuit has no previous hop to forward to")
	}
	fwd := cloneWithCircID(c, o.PrevCircID)
	o.PrevLink.QueueCell(o.PrevCircID, fwd)
	return nil
}

// Teardown destroys both legs of the circuit.
func (o *ORCircuit) Teardown(reason uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PrevLink != nil {
		o.PrevLink.QueueCell(o.PrevCircID, destroyCell(o.PrevCircID, reason))
	}
	if o.NextLink != nil {
		o.NextLink.QueueCell(o.NextCircID, destroyCell(o.NextCircID, reason))
	}
}

func cloneWithCircID(c cell.Cell, circID uint32) cell.Cell {
	out := make(cell.Cell, len(c))
	copy(out, c)
	out[0] = byte(circID >> 24)
	out[1] = byte(circID >> 16)
	out[2] = byte(circID >> 8)
	out[3] = byte(circID)
	return out
}

func destroyCell(circID uint32, reason uint8) cell.Cell {
	c := cell.NewFixedCell(circID, cell.CmdDestroy)
	c.Payload()[0] = reason
	return c
}
