package reactor

import (
	"bufio"
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/onionrelay/tor-go/cell"
	"github.com/onionrelay/tor-go/link"
)

func newLoopbackLink() (*link.Link, *bytes.Buffer) {
	var buf bytes.Buffer
	return &link.Link{
		Reader: cell.NewReader(bufio.NewReader(&buf)),
		Writer: cell.NewWriter(&buf),
		Sched:  link.NewScheduler(),
	}, &buf
}

func TestReactorDispatchesCellToRegisteredCircuit(t *testing.T) {
	l, buf := newLoopbackLink()
	c := cell.NewFixedCell(0x05, cell.CmdRelay)
	if err := cell.NewWriter(buf).WriteCell(c); err != nil {
		t.Fatalf("seed cell: %v", err)
	}

	r := New(nil)
	r.Start()
	defer r.Stop()

	inbox := r.RegisterCircuit(0x05)
	r.AddLink("test", l)

	select {
	case got := <-inbox:
		if got.CircID() != 0x05 {
			t.Fatalf("circID = 0x%x, want 0x05", got.CircID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched cell")
	}
}

func TestReactorEnqueueCellWritesThroughScheduler(t *testing.T) {
	var out bytes.Buffer
	l := &link.Link{
		Reader: cell.NewReader(bufio.NewReader(&bytes.Buffer{})),
		Writer: cell.NewWriter(&out),
		Sched:  link.NewScheduler(),
	}

	r := New(nil)
	r.Start()
	defer r.Stop()

	r.mu.Lock()
	r.links["test"] = l
	r.mu.Unlock()

	c := cell.NewFixedCell(0x09, cell.CmdRelay)
	if err := r.EnqueueCell("test", 0x09, c); err != nil {
		t.Fatalf("EnqueueCell: %v", err)
	}
	if out.Len() == 0 {
		t.Fatal("expected cell to be flushed to the link's writer")
	}
}

func TestReactorSubmitRunsCryptoJob(t *testing.T) {
	r := New(nil)
	r.Start()
	defer r.Stop()

	resCh := r.Submit(func() (any, error) { return 42, nil })
	res := <-resCh
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Value.(int) != 42 {
		t.Fatalf("value = %v, want 42", res.Value)
	}
}

func TestReactorSubmitAfterStopReturnsError(t *testing.T) {
	r := New(nil)
	r.Start()
	r.Stop()

	res := <-r.Submit(func() (any, error) { return nil, nil })
	if res.Err == nil {
		t.Fatal("expected error submitting after Stop")
	}
}

func TestReactorEnqueueUnknownLinkErrors(t *testing.T) {
	r := New(nil)
	r.Start()
	defer r.Stop()

	err := r.EnqueueCell("missing", 1, cell.NewFixedCell(1, cell.CmdRelay))
	if err == nil {
		t.Fatal("expected error for unregistered link")
	}
	_ = fmt.Sprintf("%v", err)
}
