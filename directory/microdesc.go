package directory

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ParseMicrodescriptor extracts the legacy RSA onion-key, the ntor-onion-key,
// and the Ed25519 identity from a microdescriptor. The RSA onion-key is the
// first line of a microdescriptor in the era this client targets, carried
// for relays that still serve the TAP handshake alongside ntor.
func ParseMicrodescriptor(text string) (tapKey *rsa.PublicKey, ntorKey [32]byte, ed25519Key [32]byte, hasNtor, hasEd bool) {
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")

		if strings.TrimSpace(line) == "onion-key" {
			block, consumed := extractOnionKeyPEM(lines[i+1:])
			i += consumed
			if key, err := parseMicrodescTAPKey(block); err == nil {
				tapKey = key
			}
			continue
		}

		if strings.HasPrefix(line, "ntor-onion-key ") {
			keyB64 := strings.TrimSpace(line[len("ntor-onion-key "):])
			keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(keyB64, "="))
			if err != nil || len(keyBytes) != 32 {
				continue
			}
			copy(ntorKey[:], keyBytes)
			hasNtor = true
		}

		if strings.HasPrefix(line, "id ed25519 ") {
			keyB64 := strings.TrimSpace(line[len("id ed25519 "):])
			keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(keyB64, "="))
			if err != nil || len(keyBytes) != 32 {
				continue
			}
			copy(ed25519Key[:], keyBytes)
			hasEd = true
		}
	}
	return
}

func extractOnionKeyPEM(lines []string) (block string, consumed int) {
	var b strings.Builder
	for i, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
		if strings.HasPrefix(strings.TrimSpace(line), "-----END ") {
			return b.String(), i + 1
		}
	}
	return b.String(), len(lines)
}

// parseMicrodescTAPKey decodes a microdescriptor's "onion-key" PEM block,
// which wraps a PKCS#1 RSA public key rather than the PKIX form most PEM
// tooling expects.
func parseMicrodescTAPKey(block string) (*rsa.PublicKey, error) {
	p, _ := pem.Decode([]byte(block))
	if p == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS1PublicKey(p.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS1 public key: %w", err)
	}
	return key, nil
}

// UpdateRelaysWithMicrodescriptors fetches microdescriptors for the given relays
// and updates their ntor keys and Ed25519 identities.
func UpdateRelaysWithMicrodescriptors(addr string, relays []Relay) error {
	// Build digest → relay index map
	digestToIdx := make(map[string]int)
	var digests []string
	for i, r := range relays {
		if r.MicrodescDigest == "" {
			continue
		}
		digest := r.MicrodescDigest
		digestToIdx[digest] = i
		digests = append(digests, digest)
	}

	if len(digests) == 0 {
		return nil
	}

	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}

	for i := 0; i < len(digests); i += 92 {
		end := i + 92
		if end > len(digests) {
			end = len(digests)
		}
		batch := digests[i:end]

		url := fmt.Sprintf("http://%s/tor/micro/d/%s", addr, strings.Join(batch, "-"))
		resp, err := client.Get(url)
		if err != nil {
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 50*1024*1024))
		resp.Body.Close()
		if err != nil {
			continue
		}

		// Parse each microdescriptor and match by SHA-256 digest
		entries := splitMicrodescriptors(string(body))
		for _, entry := range entries {
			// Compute SHA-256 digest and base64-encode to match consensus format
			hash := sha256.Sum256([]byte(entry))
			digestB64 := base64.RawStdEncoding.EncodeToString(hash[:])

			idx, ok := digestToIdx[digestB64]
			if !ok {
				continue
			}

			tapKey, ntorKey, ed25519Key, hasNtor, hasEd := ParseMicrodescriptor(entry)
			if !hasNtor {
				continue
			}

			relays[idx].NtorOnionKey = ntorKey
			relays[idx].HasNtorKey = true
			relays[idx].TAPOnionKey = tapKey
			if hasEd {
				relays[idx].Ed25519ID = ed25519Key
				relays[idx].HasEd25519 = true
			}
		}
	}

	return nil
}

func splitMicrodescriptors(body string) []string {
	const marker = "onion-key\n"
	var entries []string
	for {
		idx := strings.Index(body, marker)
		if idx < 0 {
			break
		}
		// Find the next marker after this one
		rest := body[idx+len(marker):]
		nextIdx := strings.Index(rest, marker)
		var entry string
		if nextIdx < 0 {
			entry = body[idx:]
		} else {
			entry = body[idx : idx+len(marker)+nextIdx]
		}
		if strings.TrimSpace(entry) != "" {
			entries = append(entries, entry)
		}
		if nextIdx < 0 {
			break
		}
		body = body[idx+len(marker)+nextIdx:]
	}
	return entries
}
