package circuit

import (
	"bytes"
	"testing"

	"github.com/onionrelay/tor-go/cell"
	"github.com/onionrelay/tor-go/link"
)

func newTestLink() *link.Link {
	var buf bytes.Buffer
	return &link.Link{Writer: cell.NewWriter(&buf), Sched: link.NewScheduler()}
}

func TestORCircuitForwardRewritesCircID(t *testing.T) {
	next := newTestLink()
	o := &ORCircuit{NextLink: next, NextCircID: 0x42}

	in := cell.NewFixedCell(0x01, cell.CmdRelay)
	if err := o.ForwardToNext(in); err != nil {
		t.Fatalf("ForwardToNext: %v", err)
	}
	if next.Sched.Len() != 1 {
		t.Fatalf("expected one queued cell on next link, got %d", next.Sched.Len())
	}
	out, ok := next.Sched.Next()
	if !ok {
		t.Fatal("expected a cell")
	}
	if out.CircID() != 0x42 {
		t.Fatalf("circID not rewritten: got 0x%x, want 0x42", out.CircID())
	}
}

func TestORCircuitForwardNoNextHop(t *testing.T) {
	o := &ORCircuit{}
	if err := o.ForwardToNext(cell.NewFixedCell(1, cell.CmdRelay)); err == nil {
		t.Fatal("expected error with no next link")
	}
}
