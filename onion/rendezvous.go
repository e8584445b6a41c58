package onion

import (
	"crypto/rand"
	"fmt"

	"github.com/onionrelay/tor-go/crypto/tap"
	"github.com/onionrelay/tor-go/ntor"
)

// GenerateRendezvousCookie generates a random 20-byte rendezvous cookie,
// the value the client picks and embeds in both ESTABLISH_RENDEZVOUS and
// INTRODUCE1 so the rendezvous point can match the two circuits up.
func GenerateRendezvousCookie() ([20]byte, error) {
	var cookie [20]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		return cookie, fmt.Errorf("generate rendezvous cookie: %w", err)
	}
	return cookie, nil
}

// CompleteRendezvous finishes the client's half of the rendezvous handshake
// once RENDEZVOUS2 arrives. The legacy RENDEZVOUS2 body (g^y(128) || KH(20))
// is byte-for-byte the same shape as TAP's CREATED payload, and per spec
// the service derives it with the same KDF, so HandshakeState.Complete
// does the DH computation and key derivation directly.
func CompleteRendezvous(hs *tap.HandshakeState, rendezvous2Body []byte) (*ntor.KeyMaterial, error) {
	km, err := hs.Complete(rendezvous2Body)
	if err != nil {
		return nil, fmt.Errorf("complete rendezvous handshake: %w", err)
	}
	return km, nil
}
