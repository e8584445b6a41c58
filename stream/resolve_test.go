package stream

import "testing"

func TestParseResolvedExtractsIPv4(t *testing.T) {
	// TYPE=4 (IPv4) LEN=4 VALUE=1.2.3.4 TTL=0
	data := []byte{4, 4, 1, 2, 3, 4, 0, 0, 0, 0}
	ip, err := parseResolved(data)
	if err != nil {
		t.Fatalf("parseResolved: %v", err)
	}
	if ip.String() != "1.2.3.4" {
		t.Fatalf("got %s, want 1.2.3.4", ip)
	}
}

func TestParseResolvedSkipsNonIPv4(t *testing.T) {
	// TYPE=6 (IPv6, unsupported here) LEN=16 VALUE=... TTL=0, then IPv4 record.
	data := make([]byte, 0)
	data = append(data, 6, 16)
	data = append(data, make([]byte, 16)...)
	data = append(data, 0, 0, 0, 0)
	data = append(data, 4, 4, 9, 9, 9, 9, 0, 0, 0, 0)

	ip, err := parseResolved(data)
	if err != nil {
		t.Fatalf("parseResolved: %v", err)
	}
	if ip.String() != "9.9.9.9" {
		t.Fatalf("got %s, want 9.9.9.9", ip)
	}
}

func TestParseResolvedNoAnswer(t *testing.T) {
	if _, err := parseResolved(nil); err == nil {
		t.Fatal("expected error for empty RESOLVED payload")
	}
}
