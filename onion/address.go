package onion

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base32"
	"fmt"
	"strings"
)

// DecodeOnion decodes a v2 .onion address and returns the service's 10-byte
// permanent identifier: the first 80 bits of SHA-1 of the DER encoding of
// the service's 1024-bit RSA public key. Unlike the modern v3 address
// format, the decoded identifier does not carry the key itself — that's
// only recoverable once the matching descriptor has been fetched.
func DecodeOnion(address string) ([10]byte, error) {
	var id [10]byte

	address = strings.TrimSuffix(strings.ToLower(address), ".onion")
	if len(address) != 16 {
		return id, fmt.Errorf("address length %d, expected 16 base32 characters", len(address))
	}

	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(address))
	if err != nil {
		return id, fmt.Errorf("base32 decode: %w", err)
	}
	if len(decoded) != 10 {
		return id, fmt.Errorf("decoded length %d, expected 10", len(decoded))
	}

	copy(id[:], decoded)
	return id, nil
}

// EncodeOnion computes the v2 .onion address for an RSA public key.
func EncodeOnion(pub *rsa.PublicKey) (string, error) {
	id, err := PermanentID(pub)
	if err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:10])) + ".onion", nil
}

// PermanentID returns the full 20-byte SHA-1 identity hash of a service's
// RSA public key. Only its first 10 bytes are ever used: that's what the
// .onion address encodes and what DescriptorID/DescriptorIDs expect.
func PermanentID(pub *rsa.PublicKey) ([20]byte, error) {
	der := x509.MarshalPKCS1PublicKey(pub)
	return sha1.Sum(der), nil
}
