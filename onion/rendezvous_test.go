package onion

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/onionrelay/tor-go/crypto/tap"
)

func TestGenerateRendezvousCookie(t *testing.T) {
	c1, err := GenerateRendezvousCookie()
	if err != nil {
		t.Fatal(err)
	}
	c2, _ := GenerateRendezvousCookie()
	if c1 == c2 {
		t.Fatal("cookies should be different")
	}
	if c1 == [20]byte{} {
		t.Fatal("cookie should not be zero")
	}
}

func TestCompleteRendezvousBadLength(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hs, err := tap.NewHandshake(&priv.PublicKey)
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	defer hs.Close()

	_, err = CompleteRendezvous(hs, make([]byte, 32))
	if err == nil {
		t.Fatal("expected error for short RENDEZVOUS2 body")
	}
}
