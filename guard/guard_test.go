package guard

import (
	"testing"

	"github.com/onionrelay/tor-go/directory"
)

func testConsensus(n int) *directory.Consensus {
	c := &directory.Consensus{BandwidthWeights: map[string]int64{}}
	for i := 0; i < n; i++ {
		var id [20]byte
		id[0] = byte(i + 1)
		c.Relays = append(c.Relays, directory.Relay{
			Identity:   id,
			Address:    "10.0.0.1",
			Bandwidth:  1000,
			HasNtorKey: true,
			Flags: directory.RelayFlags{
				Guard:   true,
				Fast:    true,
				Running: true,
				Valid:   true,
			},
		})
	}
	return c
}

func TestEnsureFillsSetToSize(t *testing.T) {
	s := NewSet(3)
	if err := s.Ensure(testConsensus(5)); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(s.Guards()) != 3 {
		t.Fatalf("expected 3 guards, got %d", len(s.Guards()))
	}
}

func TestEnsureDoesNotDuplicate(t *testing.T) {
	s := NewSet(3)
	if err := s.Ensure(testConsensus(5)); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	seen := map[[20]byte]bool{}
	for _, g := range s.Guards() {
		if seen[g.Identity] {
			t.Fatalf("duplicate guard %x in set", g.Identity)
		}
		seen[g.Identity] = true
	}
}

func TestChooseReturnsSetMember(t *testing.T) {
	s := NewSet(3)
	if err := s.Ensure(testConsensus(5)); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	g, err := s.Choose()
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	found := false
	for _, m := range s.Guards() {
		if m.Identity == g.Identity {
			found = true
		}
	}
	if !found {
		t.Fatal("Choose returned a relay not in the set")
	}
}

func TestReportFailureRotatesAfterThreshold(t *testing.T) {
	s := NewSet(1)
	c := testConsensus(2)
	if err := s.Ensure(c); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	original := s.Guards()[0].Identity

	for i := 0; i < unreachableThreshold-1; i++ {
		if err := s.ReportFailure(original, c); err != nil {
			t.Fatalf("ReportFailure: %v", err)
		}
		if s.Guards()[0].Identity != original {
			t.Fatal("guard rotated before reaching failure threshold")
		}
	}

	if err := s.ReportFailure(original, c); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if len(s.Guards()) != 1 {
		t.Fatalf("expected set refilled to size 1, got %d", len(s.Guards()))
	}
	if s.Guards()[0].Identity == original {
		t.Fatal("expected guard to be rotated out after sustained failures")
	}
}

func TestReportSuccessClearsFailureCount(t *testing.T) {
	s := NewSet(1)
	c := testConsensus(2)
	if err := s.Ensure(c); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	id := s.Guards()[0].Identity

	if err := s.ReportFailure(id, c); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	s.ReportSuccess(id)

	for i := 0; i < unreachableThreshold-1; i++ {
		if err := s.ReportFailure(id, c); err != nil {
			t.Fatalf("ReportFailure: %v", err)
		}
	}
	if s.Guards()[0].Identity != id {
		t.Fatal("guard rotated despite failure count being reset by ReportSuccess")
	}
}

func TestEnsureErrorsWithNoCandidates(t *testing.T) {
	s := NewSet(2)
	empty := &directory.Consensus{BandwidthWeights: map[string]int64{}}
	if err := s.Ensure(empty); err == nil {
		t.Fatal("expected error when consensus has no eligible guards")
	}
}
