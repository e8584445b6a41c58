package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/onionrelay/tor-go/crypto/tap"
)

// Legacy INTRODUCE1 wire layout (spec §6):
//
//	version(1)=3 | auth_type(1) | auth_len(2) | auth_data(auth_len) |
//	timestamp(4) | rp_addr(4) | rp_port(2) | rp_identity(20) |
//	rp_onion_key_len(2) | rp_onion_key(n) | rend_cookie(20) | g^x(128)
//
// The whole body is RSA-OAEP/AES-hybrid-encrypted to the introduction
// point's service key, the same framing crypto/tap uses for CREATE cells,
// generalized to a variable-length plaintext.
const (
	introduce1Version = 3
	authTypeNone      = 0
	rendCookieLen     = 20
)

// BuildIntroduce1 generates a fresh DH handshake with the service (created
// with serviceKey), whose keys become the rendezvous circuit's final hop,
// and returns it alongside the encrypted INTRODUCE1 body; the caller
// prefixes that body with the service key's PK_ID when sending it to the
// introduction point. Call hs.Complete on the RENDEZVOUS2 payload to finish
// the handshake once the service replies.
func BuildIntroduce1(serviceKey *rsa.PublicKey, rpAddr net.IP, rpPort uint16, rpIdentity [20]byte, rpOnionKey *rsa.PublicKey, rendCookie [20]byte) (*tap.HandshakeState, []byte, error) {
	ipv4 := rpAddr.To4()
	if ipv4 == nil {
		return nil, nil, fmt.Errorf("rendezvous point address %s is not IPv4", rpAddr)
	}

	hs, err := tap.NewHandshake(serviceKey)
	if err != nil {
		return nil, nil, fmt.Errorf("generate DH handshake: %w", err)
	}

	onionKeyDER := x509.MarshalPKCS1PublicKey(rpOnionKey)

	body := make([]byte, 0, 1+1+2+4+4+2+20+2+len(onionKeyDER)+rendCookieLen+128)
	body = append(body, introduce1Version, authTypeNone, 0, 0)

	var timestamp [4]byte
	binary.BigEndian.PutUint32(timestamp[:], uint32(time.Now().Unix()))
	body = append(body, timestamp[:]...)

	body = append(body, ipv4...)

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], rpPort)
	body = append(body, port[:]...)

	body = append(body, rpIdentity[:]...)

	var keyLen [2]byte
	binary.BigEndian.PutUint16(keyLen[:], uint16(len(onionKeyDER)))
	body = append(body, keyLen[:]...)
	body = append(body, onionKeyDER...)

	body = append(body, rendCookie[:]...)
	body = append(body, hs.PublicValue()...)

	encrypted, err := hybridEncryptOAEP(serviceKey, body)
	if err != nil {
		hs.Close()
		return nil, nil, fmt.Errorf("encrypt INTRODUCE1 body: %w", err)
	}

	return hs, encrypted, nil
}

// hybridEncryptOAEP RSA-OAEP/AES-CTR-hybrid-encrypts plaintext of arbitrary
// length to pub, generalizing crypto/tap's CREATE-cell framing: a random
// AES-128 key plus as much of the plaintext's head as fits is wrapped in a
// single OAEP block, and everything after that is AES-CTR-encrypted under
// that key with a zero IV.
func hybridEncryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	const symBytes = 16

	oaepCap := pub.Size() - 2*sha1.Size - 2
	firstLen := oaepCap - symBytes
	if firstLen < 0 {
		return nil, fmt.Errorf("RSA key too small for hybrid OAEP framing")
	}
	if firstLen > len(plaintext) {
		firstLen = len(plaintext)
	}

	var symkey [symBytes]byte
	if _, err := rand.Read(symkey[:]); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}

	oaepPlain := make([]byte, 0, symBytes+firstLen)
	oaepPlain = append(oaepPlain, symkey[:]...)
	oaepPlain = append(oaepPlain, plaintext[:firstLen]...)

	oaepBlock, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, oaepPlain, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encrypt: %w", err)
	}

	rest := plaintext[firstLen:]
	block, err := aes.NewCipher(symkey[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR cipher: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)
	stream := cipher.NewCTR(block, zeroIV)
	encRest := make([]byte, len(rest))
	stream.XORKeyStream(encRest, rest)

	return append(oaepBlock, encRest...), nil
}
