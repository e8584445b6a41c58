package onion

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base32"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onionrelay/tor-go/circuit"
)

// FetchDescriptor fetches a v2 hidden service descriptor from the given
// HSDir relay's DirPort, keyed by the service's descriptor-id.
func FetchDescriptor(client *http.Client, hsdirAddr string, descID [20]byte) (string, error) {
	url := fmt.Sprintf("http://%s/tor/rendezvous2/%s", hsdirAddr, EncodeDescriptorID(descID))

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch descriptor from %s: %w", hsdirAddr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch descriptor from %s: HTTP %d", hsdirAddr, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return "", fmt.Errorf("read descriptor from %s: %w", hsdirAddr, err)
	}

	return string(body), nil
}

// FetchDescriptorViaCircuit fetches a v2 descriptor using BEGIN_DIR over an
// existing circuit (for HSDirs without a public DirPort). The circuit's
// last hop must be the HSDir relay.
func FetchDescriptorViaCircuit(circ *circuit.Circuit, descID [20]byte) (string, error) {
	streamID := uint16(1)

	if err := circ.SendRelay(circuit.RelayBeginDir, streamID, nil); err != nil {
		return "", fmt.Errorf("send BEGIN_DIR: %w", err)
	}

	if err := waitForConnected(circ, streamID); err != nil {
		return "", err
	}

	httpReq := fmt.Sprintf("GET /tor/rendezvous2/%s HTTP/1.0\r\nHost: tor\r\nAccept-Encoding: identity\r\n\r\n", EncodeDescriptorID(descID))
	if err := circ.SendRelay(circuit.RelayData, streamID, []byte(httpReq)); err != nil {
		return "", fmt.Errorf("send HTTP request: %w", err)
	}

	respBuf, err := readDirResponse(circ, streamID)
	if err != nil {
		return "", err
	}

	body, err := parseHTTPResponse(string(respBuf))
	if err != nil {
		return "", err
	}

	_ = circ.SendRelay(circuit.RelayEnd, streamID, []byte{6})
	return body, nil
}

func waitForConnected(circ *circuit.Circuit, streamID uint16) error {
	for {
		_, cmd, sid, _, err := circ.ReceiveRelay()
		if err != nil {
			return fmt.Errorf("wait for CONNECTED: %w", err)
		}
		if sid != streamID {
			continue
		}
		if cmd == circuit.RelayConnected {
			return nil
		}
		if cmd == circuit.RelayEnd {
			return fmt.Errorf("BEGIN_DIR rejected")
		}
	}
}

func readDirResponse(circ *circuit.Circuit, streamID uint16) ([]byte, error) {
	var buf []byte
	for {
		_, cmd, sid, data, err := circ.ReceiveRelay()
		if err != nil {
			return nil, fmt.Errorf("read HTTP response: %w", err)
		}
		if sid != streamID {
			continue
		}
		switch cmd {
		case circuit.RelayData:
			buf = append(buf, data...)
			if len(buf) > 256*1024 {
				return nil, fmt.Errorf("descriptor too large")
			}
		case circuit.RelayEnd:
			return buf, nil
		}
	}
}

func parseHTTPResponse(resp string) (string, error) {
	idx := strings.Index(resp, "\r\n\r\n")
	if idx < 0 {
		return "", fmt.Errorf("invalid HTTP response from HSDir")
	}
	headerSection := resp[:idx]
	statusLine := headerSection[:strings.Index(headerSection, "\r\n")]
	if !strings.Contains(statusLine, "200") {
		return "", fmt.Errorf("HSDir HTTP response: %s", statusLine)
	}

	body := resp[idx+4:]
	if strings.Contains(strings.ToLower(headerSection), "transfer-encoding: chunked") {
		body = decodeChunked(body)
	}
	return strings.TrimRight(body, "\x00\r\n "), nil
}

// decodeChunked decodes an HTTP chunked transfer-encoded body.
func decodeChunked(data string) string {
	var result strings.Builder
	remaining := data
	for {
		crlfIdx := strings.Index(remaining, "\r\n")
		if crlfIdx < 0 {
			break
		}
		sizeHex := strings.TrimSpace(remaining[:crlfIdx])
		if sizeHex == "" {
			break
		}
		var size int
		_, err := fmt.Sscanf(sizeHex, "%x", &size)
		if err != nil || size <= 0 {
			break
		}
		remaining = remaining[crlfIdx+2:]
		if len(remaining) < size {
			result.WriteString(remaining)
			break
		}
		result.WriteString(remaining[:size])
		remaining = remaining[size:]
		remaining = strings.TrimPrefix(remaining, "\r\n")
	}
	return result.String()
}

// Descriptor holds the parsed fields of a v2 hidden-service descriptor.
type Descriptor struct {
	DescriptorID     [20]byte
	PermanentKey     *rsa.PublicKey
	SecretIDPart     [20]byte
	PublicationTime  time.Time
	ProtocolVersions string
	IntroPointsBlob  []byte // base64-decoded; plaintext or cookie-encrypted
	Signature        []byte
}

// ParseDescriptor parses a v2 "rendezvous-service-descriptor" document:
// a permanent RSA identity key, the descriptor-id and secret-id-part it
// was published under, and a base64 "introduction-points" block that is
// decrypted separately by DecryptIntroPoints.
func ParseDescriptor(text string) (*Descriptor, error) {
	d := &Descriptor{}
	lines := strings.Split(text, "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "rendezvous-service-descriptor "):
			id := strings.TrimPrefix(line, "rendezvous-service-descriptor ")
			decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(id))
			if err != nil || len(decoded) != 20 {
				return nil, fmt.Errorf("parse descriptor-id: %w", err)
			}
			copy(d.DescriptorID[:], decoded)

		case strings.HasPrefix(line, "secret-id-part "):
			part := strings.TrimPrefix(line, "secret-id-part ")
			decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(part))
			if err != nil || len(decoded) != 20 {
				return nil, fmt.Errorf("parse secret-id-part: %w", err)
			}
			copy(d.SecretIDPart[:], decoded)

		case strings.HasPrefix(line, "publication-time "):
			ts := strings.TrimPrefix(line, "publication-time ")
			t, err := time.Parse("2006-01-02 15:04:05", ts)
			if err != nil {
				return nil, fmt.Errorf("parse publication-time: %w", err)
			}
			d.PublicationTime = t

		case strings.HasPrefix(line, "protocol-versions "):
			d.ProtocolVersions = strings.TrimPrefix(line, "protocol-versions ")

		case line == "permanent-key":
			block, end, err := extractPEMBlock(lines, i+1)
			if err != nil {
				return nil, fmt.Errorf("parse permanent-key: %w", err)
			}
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse permanent-key: %w", err)
			}
			d.PermanentKey = key
			i = end

		case line == "introduction-points":
			if i+1 >= len(lines) || lines[i+1] != "-----BEGIN MESSAGE-----" {
				return nil, fmt.Errorf("introduction-points: missing MESSAGE block")
			}
			blob, end, err := extractBase64Block(lines, i+2, "-----END MESSAGE-----")
			if err != nil {
				return nil, fmt.Errorf("parse introduction-points: %w", err)
			}
			d.IntroPointsBlob = blob
			i = end
		}
	}

	if d.PermanentKey == nil {
		return nil, fmt.Errorf("no permanent-key in descriptor")
	}
	if d.IntroPointsBlob == nil {
		return nil, fmt.Errorf("no introduction-points in descriptor")
	}
	return d, nil
}

// extractPEMBlock decodes a PEM block starting at lines[start] (expected to
// be the "-----BEGIN ...-----" line) and returns it plus the index of its
// closing line.
func extractPEMBlock(lines []string, start int) (*pem.Block, int, error) {
	for end := start; end < len(lines); end++ {
		if strings.HasPrefix(lines[end], "-----END ") {
			text := strings.Join(lines[start-1:end+1], "\n") + "\n"
			block, _ := pem.Decode([]byte(text))
			if block == nil {
				return nil, end, fmt.Errorf("invalid PEM block")
			}
			return block, end, nil
		}
	}
	return nil, start, fmt.Errorf("unterminated PEM block")
}

// extractBase64Block joins and decodes base64 lines starting at index
// `start` until `terminator` is found, returning the decoded bytes and the
// index of the terminator line.
func extractBase64Block(lines []string, start int, terminator string) ([]byte, int, error) {
	var b64Lines []string
	for end := start; end < len(lines); end++ {
		line := lines[end]
		if strings.Contains(line, terminator) {
			before := strings.TrimSpace(strings.Split(line, terminator)[0])
			if before != "" {
				b64Lines = append(b64Lines, before)
			}
			blob := strings.Join(b64Lines, "")
			decoded, err := base64.StdEncoding.DecodeString(blob)
			if err != nil {
				return nil, end, fmt.Errorf("base64 decode: %w", err)
			}
			return decoded, end, nil
		}
		b64Lines = append(b64Lines, strings.TrimSpace(line))
	}
	return nil, start, fmt.Errorf("unterminated block (missing %q)", terminator)
}
