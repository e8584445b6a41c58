// Package tap implements the legacy TAP onion-skin handshake spec §4.1/§6
// mandate alongside ntor: RSA-OAEP framing over a classic Diffie-Hellman
// exchange in the 1024-bit Oakley group 2 (RFC 2409 §6.2). No repo in the
// reference corpus carries this handshake — the Go Tor ecosystem moved to
// ntor/curve25519 years ago — so the DH group and the OAEP framing are
// built directly on math/big and crypto/rsa rather than adapted from a
// third-party package.
package tap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"math/big"

	"github.com/onionrelay/tor-go/ntor"
)

// Wire sizes from spec §6: CREATE 186 bytes, CREATED 148 bytes.
const (
	CreatePayloadLen  = 186
	CreatedPayloadLen = 148

	dhBytes  = 128 // 1024-bit DH public value
	symBytes = 16  // AES-128 key used to wrap the OAEP overflow
	khBytes  = 20  // KH is the first 20 bytes of the KDF output

	rsaOAEPBlock = 128 // 1024-bit RSA modulus
	// With SHA-1 OAEP the usable payload is modulus - 2*hLen - 2 = 128-42 = 86 bytes.
	// TAP splits gx into a 70-byte first part that fits inside that budget
	// alongside the 16-byte symmetric key, and a 58-byte second part that
	// is AES-CTR-encrypted under that symmetric key.
	oaepPlaintextLen = symBytes + 70
	gxPart1Len       = 70
	gxPart2Len       = dhBytes - gxPart1Len
)

var (
	// oakleyGroup2P is the 1024-bit MODP group 2 prime from RFC 2409 §6.2.
	oakleyGroup2P = mustHex(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
			"129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519" +
			"B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7" +
			"EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F" +
			"24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF")
	oakleyGroup2G = big.NewInt(2)
)

func mustHex(h string) *big.Int {
	n, ok := new(big.Int).SetString(h, 16)
	if !ok {
		panic("tap: invalid Oakley prime literal")
	}
	return n
}

// HandshakeState holds the client's ephemeral state for a TAP handshake.
type HandshakeState struct {
	relayKey *rsa.PublicKey
	x        *big.Int // DH private exponent
	gx       *big.Int // DH public value g^x mod p
}

// NewHandshake generates a fresh DH keypair for a TAP handshake against
// the relay's onion (TAP) RSA public key.
func NewHandshake(relayKey *rsa.PublicKey) (*HandshakeState, error) {
	x, err := rand.Int(rand.Reader, new(big.Int).Sub(oakleyGroup2P, big.NewInt(2)))
	if err != nil {
		return nil, fmt.Errorf("generate DH exponent: %w", err)
	}
	x.Add(x, big.NewInt(1)) // avoid x=0

	gx := new(big.Int).Exp(oakleyGroup2G, x, oakleyGroup2P)

	return &HandshakeState{relayKey: relayKey, x: x, gx: gx}, nil
}

// Close zeroes the ephemeral private exponent. Call on error paths when
// Complete() won't be called.
func (hs *HandshakeState) Close() {
	hs.x.SetInt64(0)
}

// PublicValue returns this handshake's DH public value g^x as a fixed
// 128-byte big-endian integer, for callers that embed it directly in a
// larger structure instead of through CreatePayload's OAEP/AES framing
// (the hidden-service INTRODUCE1 body does this).
func (hs *HandshakeState) PublicValue() []byte {
	return fixedWidth(hs.gx, dhBytes)
}

// CreatePayload builds the 186-byte CREATE onion-skin:
// RSA-OAEP(symkey || gx_part_1) || AES-CTR(symkey, gx_part_2).
func (hs *HandshakeState) CreatePayload() ([]byte, error) {
	gxBytes := fixedWidth(hs.gx, dhBytes)

	var symkey [symBytes]byte
	if _, err := rand.Read(symkey[:]); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}

	plain := make([]byte, 0, oaepPlaintextLen)
	plain = append(plain, symkey[:]...)
	plain = append(plain, gxBytes[:gxPart1Len]...)

	oaepBlock, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, hs.relayKey, plain, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encrypt: %w", err)
	}
	if len(oaepBlock) != rsaOAEPBlock {
		return nil, fmt.Errorf("unexpected OAEP block size %d, want %d", len(oaepBlock), rsaOAEPBlock)
	}

	block, err := aes.NewCipher(symkey[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR cipher: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)
	stream := cipher.NewCTR(block, zeroIV)
	gxPart2 := make([]byte, gxPart2Len)
	stream.XORKeyStream(gxPart2, gxBytes[gxPart1Len:])

	payload := make([]byte, 0, CreatePayloadLen)
	payload = append(payload, oaepBlock...)
	payload = append(payload, gxPart2...)
	if len(payload) != CreatePayloadLen {
		return nil, fmt.Errorf("internal error: CREATE payload is %d bytes, want %d", len(payload), CreatePayloadLen)
	}
	return payload, nil
}

// Complete processes the relay's 148-byte CREATED payload (gy || KH) and
// derives circuit keys, returning the same KeyMaterial shape ntor produces
// so callers can feed either handshake into the same hop initializer.
func (hs *HandshakeState) Complete(created []byte) (*ntor.KeyMaterial, error) {
	if len(created) != CreatedPayloadLen {
		return nil, fmt.Errorf("CREATED payload is %d bytes, want %d", len(created), CreatedPayloadLen)
	}
	gyBytes := created[:dhBytes]
	khReceived := created[dhBytes : dhBytes+khBytes]

	gy := new(big.Int).SetBytes(gyBytes)
	if gy.Sign() <= 0 || gy.Cmp(oakleyGroup2P) >= 0 {
		return nil, fmt.Errorf("gy out of range")
	}

	secret := new(big.Int).Exp(gy, hs.x, oakleyGroup2P)
	secretBytes := fixedWidth(secret, dhBytes)

	material := kdfTAP(secretBytes[:], khBytes+20+20+16+16)

	kh := material[0:khBytes]
	if !hmacEqualConstTime(kh, khReceived) {
		return nil, fmt.Errorf("KH verification failed")
	}

	km := &ntor.KeyMaterial{}
	copy(km.Df[:], material[khBytes:khBytes+20])
	copy(km.Db[:], material[khBytes+20:khBytes+40])
	copy(km.Kf[:], material[khBytes+40:khBytes+56])
	copy(km.Kb[:], material[khBytes+56:khBytes+72])

	clear(secretBytes[:])
	hs.x.SetInt64(0)
	return km, nil
}

// kdfTAP implements tor-spec's legacy KDF-TAP: iteratively hash secret||[i]
// with SHA-1 for i=0,1,2,... and concatenate until n bytes are produced.
func kdfTAP(secret []byte, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	for i := 0; len(out) < n; i++ {
		h := sha1.New()
		h.Write(secret)
		h.Write([]byte{byte(i)})
		out = h.Sum(out)
	}
	return out[:n]
}

func hmacEqualConstTime(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func fixedWidth(n *big.Int, width int) []byte {
	b := n.Bytes()
	if len(b) >= width {
		return b[len(b)-width:]
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}
