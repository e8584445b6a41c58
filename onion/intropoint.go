package onion

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base32"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// IntroPoint is one parsed introduction point from a v2 descriptor's
// introduction-points block.
type IntroPoint struct {
	Identity   [20]byte // RSA identity fingerprint of the intro point relay
	Address    string
	Port       uint16
	OnionKey   *rsa.PublicKey // the relay's legacy onion key, for extending a circuit to it
	ServiceKey *rsa.PublicKey // the service's per-intro-point key; INTRODUCE1 is RSA-OAEP-encrypted to it
}

// ParseIntroPoints parses the plaintext introduction-points block (already
// decrypted via DecryptIntroPoints, if the service required it).
func ParseIntroPoints(text string) ([]IntroPoint, error) {
	var points []IntroPoint
	var current *IntroPoint

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]

		switch {
		case strings.HasPrefix(line, "introduction-point "):
			if current != nil {
				points = append(points, *current)
			}
			current = &IntroPoint{}
			idStr := strings.TrimPrefix(line, "introduction-point ")
			decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(idStr))
			if err == nil && len(decoded) == 20 {
				copy(current.Identity[:], decoded)
			}

		case strings.HasPrefix(line, "ip-address ") && current != nil:
			current.Address = strings.TrimSpace(strings.TrimPrefix(line, "ip-address "))

		case strings.HasPrefix(line, "onion-port ") && current != nil:
			portStr := strings.TrimSpace(strings.TrimPrefix(line, "onion-port "))
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("parse onion-port: %w", err)
			}
			current.Port = uint16(port)

		case line == "onion-key" && current != nil:
			block, end, err := extractPEMBlock(lines, i+1)
			if err != nil {
				return nil, fmt.Errorf("parse onion-key: %w", err)
			}
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse onion-key: %w", err)
			}
			current.OnionKey = key
			i = end

		case line == "service-key" && current != nil:
			block, end, err := extractPEMBlock(lines, i+1)
			if err != nil {
				return nil, fmt.Errorf("parse service-key: %w", err)
			}
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse service-key: %w", err)
			}
			current.ServiceKey = key
			i = end
		}
	}

	if current != nil {
		points = append(points, *current)
	}

	for idx, p := range points {
		if p.Address == "" {
			return nil, fmt.Errorf("introduction point %d missing ip-address", idx)
		}
		if net.ParseIP(p.Address) == nil {
			return nil, fmt.Errorf("introduction point %d has invalid address %q", idx, p.Address)
		}
		if p.ServiceKey == nil {
			return nil, fmt.Errorf("introduction point %d missing service-key", idx)
		}
	}

	return points, nil
}

// serviceKeyDigest returns the SHA-1 digest of an intro point's service key,
// the PK_ID field carried in legacy INTRODUCE1 cells.
func serviceKeyDigest(key *rsa.PublicKey) [20]byte {
	return sha1.Sum(x509.MarshalPKCS1PublicKey(key))
}
