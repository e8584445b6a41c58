package onion

import (
	"encoding/base32"
	"encoding/base64"
	"strings"
	"testing"
)

func FuzzParseIntroPoints(f *testing.F) {
	var identity [20]byte
	identity[0] = 0xAB
	idStr := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(identity[:]))

	f.Add("introduction-point " + idStr + "\n" +
		"ip-address 198.51.100.7\n" +
		"onion-port 9001\n")

	f.Add("")
	f.Add("introduction-point\n")
	f.Add("ip-address not-an-ip\nonion-port abc\n")

	f.Fuzz(func(t *testing.T, text string) {
		// Must not panic on any input.
		ParseIntroPoints(text)
	})
}

func FuzzDecodeOnion(f *testing.F) {
	// Known-shaped v2 .onion addresses (16 base32 chars)
	f.Add("duskgytldkxiuqc6.onion")
	f.Add("duskgytldkxiuqc6")
	// Short / invalid
	f.Add("short.onion")
	f.Add("")

	f.Fuzz(func(t *testing.T, address string) {
		DecodeOnion(address)
	})
}

func FuzzDecodeChunked(f *testing.F) {
	// Valid chunked encoding
	f.Add("5\r\nhello\r\n6\r\n world\r\n0\r\n")
	// Single chunk
	f.Add("a\r\n0123456789\r\n0\r\n")
	// Empty
	f.Add("")
	// Just terminator
	f.Add("0\r\n")
	// Malformed
	f.Add("gg\r\nbad hex\r\n")

	f.Fuzz(func(t *testing.T, data string) {
		decodeChunked(data)
	})
}

func FuzzParseDescriptor(f *testing.F) {
	blob := base64.StdEncoding.EncodeToString([]byte("test-intro-points-data"))
	f.Add("rendezvous-service-descriptor aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n" +
		"version 2\n" +
		"permanent-key\n" +
		"-----BEGIN RSA PUBLIC KEY-----\n" +
		base64.StdEncoding.EncodeToString(make([]byte, 140)) + "\n" +
		"-----END RSA PUBLIC KEY-----\n" +
		"secret-id-part bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb\n" +
		"publication-time 2020-01-01 12:00:00\n" +
		"protocol-versions 2,3\n" +
		"introduction-points\n" +
		"-----BEGIN MESSAGE-----\n" +
		blob + "\n" +
		"-----END MESSAGE-----\n" +
		"signature\n" +
		"-----BEGIN SIGNATURE-----\nAAAA\n-----END SIGNATURE-----\n")

	// Empty
	f.Add("")

	// Just headers, no message block
	f.Add("version 2\nprotocol-versions 2,3\n")

	f.Fuzz(func(t *testing.T, text string) {
		ParseDescriptor(text)
	})
}
