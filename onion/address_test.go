package onion

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestDecodeOnionKnownAddress(t *testing.T) {
	// The spec's own test vector (scenario S2): a 16-char v2 address.
	id, err := DecodeOnion("duskgytldkxiuqc6.onion")
	if err != nil {
		t.Fatalf("DecodeOnion: %v", err)
	}
	if id == ([10]byte{}) {
		t.Fatal("got zero identifier")
	}
}

func TestDecodeOnionWithoutSuffix(t *testing.T) {
	_, err := DecodeOnion("duskgytldkxiuqc6")
	if err != nil {
		t.Fatalf("DecodeOnion without .onion suffix: %v", err)
	}
}

func TestEncodeDecodeOnionRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := EncodeOnion(&priv.PublicKey)
	if err != nil {
		t.Fatalf("EncodeOnion: %v", err)
	}
	id, err := DecodeOnion(addr)
	if err != nil {
		t.Fatalf("DecodeOnion: %v", err)
	}
	permID, err := PermanentID(&priv.PublicKey)
	if err != nil {
		t.Fatalf("PermanentID: %v", err)
	}
	var want [10]byte
	copy(want[:], permID[:10])
	if id != want {
		t.Fatal("round-trip identifier mismatch")
	}
}

func TestDecodeOnionTooShort(t *testing.T) {
	_, err := DecodeOnion("short.onion")
	if err == nil {
		t.Fatal("expected error for short address")
	}
}

func TestDecodeOnionBadBase32(t *testing.T) {
	_, err := DecodeOnion("0000000000000001.onion")
	if err == nil {
		t.Fatal("expected error for invalid base32 alphabet")
	}
}

func TestIsOnionAddress(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"duskgytldkxiuqc6.onion:80", true},
		{"abc123.onion:443", true},
		{"ABC.ONION:80", true},
		{"example.com:80", false},
		{"duskgytldkxiuqc6.onion", true},
		{"notanonion.com", false},
		{"", false},
	}
	for _, tt := range tests {
		got := IsOnionAddress(tt.input)
		if got != tt.want {
			t.Errorf("IsOnionAddress(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestCurrentTimePeriod(t *testing.T) {
	tp := CurrentTimePeriod()
	if tp <= 0 {
		t.Fatalf("CurrentTimePeriod() = %d, expected positive", tp)
	}
}
