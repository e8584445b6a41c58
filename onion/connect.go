package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/onionrelay/tor-go/circuit"
	"github.com/onionrelay/tor-go/descriptor"
	"github.com/onionrelay/tor-go/directory"
	"github.com/onionrelay/tor-go/ntor"
	"github.com/onionrelay/tor-go/stream"
)

// ConnectResult holds the information needed to establish a stream to an
// onion service after the introduction/rendezvous protocol completes.
type ConnectResult struct {
	IntroPoints []IntroPoint
	Descriptor  *Descriptor
}

// ResolveOnionService resolves a .onion address to a set of introduction points
// by fetching and decrypting the service descriptor. This is the first step
// before the introduction/rendezvous protocol.
//
// Parameters:
//   - address: the v2 .onion address (with or without .onion suffix)
//   - consensus: the current consensus
//   - httpClient: HTTP client for fetching the descriptor (can be nil if builder is provided)
//   - cookie: client-authorization descriptor cookie (torconfig's HidServAuth
//     entry for this address), or nil for a public service
//   - builder: optional circuit builder for BEGIN_DIR fetch (used when DirPort=0)
func ResolveOnionService(address string, consensus *directory.Consensus, httpClient *http.Client, cookie []byte, builder ...CircuitBuilder) (*ConnectResult, error) {
	permanentID, err := DecodeOnion(address)
	if err != nil {
		return nil, fmt.Errorf("decode .onion address: %w", err)
	}

	periodLength := int64(defaultTimePeriodLength)
	periodNum := TimePeriod(consensus.ValidAfter, periodLength)

	hsdirs, err := SelectHSDirs(consensus, permanentID, periodNum, periodLength)
	if err != nil {
		return nil, fmt.Errorf("select HSDirs: %w", err)
	}

	var cb CircuitBuilder
	if len(builder) > 0 {
		cb = builder[0]
	}

	var lastErr error
	for _, descID := range DescriptorIDs(permanentID, periodNum, periodLength) {
		descriptorText, err := fetchDescriptorFromHSDirs(hsdirs, descID, httpClient, cb)
		if err != nil {
			lastErr = err
			continue
		}

		d, err := ParseDescriptor(descriptorText)
		if err != nil {
			lastErr = fmt.Errorf("parse descriptor: %w", err)
			continue
		}

		introPointsText, err := DecryptIntroPoints(d.IntroPointsBlob, cookie)
		if err != nil {
			lastErr = fmt.Errorf("decrypt introduction-points: %w", err)
			continue
		}

		introPoints, err := ParseIntroPoints(string(introPointsText))
		if err != nil {
			lastErr = fmt.Errorf("parse introduction-points: %w", err)
			continue
		}
		if len(introPoints) == 0 {
			lastErr = fmt.Errorf("no introduction points in descriptor")
			continue
		}

		return &ConnectResult{IntroPoints: introPoints, Descriptor: d}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no descriptor replicas configured")
	}
	return nil, fmt.Errorf("resolve onion service: %w", lastErr)
}

func fetchDescriptorFromHSDirs(hsdirs []*directory.Relay, descID [20]byte, httpClient *http.Client, cb CircuitBuilder) (string, error) {
	var lastErr error
	for _, hsdir := range hsdirs {
		text, err := fetchFromHSDir(hsdir, descID, httpClient, cb)
		if err != nil {
			lastErr = err
			continue
		}
		if text != "" {
			return text, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no reachable HSDirs (all have DirPort=0 and no circuit builder)")
	}
	return "", fmt.Errorf("failed to fetch descriptor from all HSDirs: %w", lastErr)
}

func fetchFromHSDir(hsdir *directory.Relay, descID [20]byte, httpClient *http.Client, cb CircuitBuilder) (string, error) {
	if hsdir.DirPort > 0 && httpClient != nil {
		addr := fmt.Sprintf("%s:%d", hsdir.Address, hsdir.DirPort)
		return FetchDescriptor(httpClient, addr, descID)
	}
	if cb != nil {
		hsdirInfo := &descriptor.RelayInfo{
			NodeID:       hsdir.Identity,
			NtorOnionKey: hsdir.NtorOnionKey,
			TAPOnionKey:  hsdir.TAPOnionKey,
			Address:      hsdir.Address,
			ORPort:       hsdir.ORPort,
		}
		built, err := cb.BuildCircuit(hsdirInfo)
		if err != nil {
			return "", fmt.Errorf("build circuit to HSDir: %w", err)
		}
		defer func() { _ = built.LinkCloser.Close() }()
		return FetchDescriptorViaCircuit(built.Circuit, descID)
	}
	return "", nil // No way to fetch from this HSDir
}

// IsOnionAddress returns true if the target address is a .onion address.
func IsOnionAddress(target string) bool {
	// Remove port if present.
	host := target
	if idx := strings.LastIndex(target, ":"); idx >= 0 {
		host = target[:idx]
	}
	return strings.HasSuffix(strings.ToLower(host), ".onion")
}

// TimePeriodFromConsensus computes the time period number using the
// consensus valid-after time (not the system clock), matching the
// granularity the descriptor's own publication-time uses.
func TimePeriodFromConsensus(consensus *directory.Consensus) int64 {
	return TimePeriod(consensus.ValidAfter, defaultTimePeriodLength)
}

// CurrentTimePeriod computes the time period from the current time.
// Prefer TimePeriodFromConsensus when a consensus is available.
func CurrentTimePeriod() int64 {
	return TimePeriod(time.Now(), defaultTimePeriodLength)
}

// BuiltCircuit holds a circuit and the metadata about the last hop,
// needed for the onion service protocol.
type BuiltCircuit struct {
	Circuit    *circuit.Circuit
	LinkCloser io.Closer             // Closes the underlying TLS link
	LastHop    *descriptor.RelayInfo // Info about the last relay in the circuit
}

// CircuitBuilder abstracts the ability to build a 3-hop Tor circuit.
type CircuitBuilder interface {
	// BuildCircuit builds a 3-hop circuit. If target is non-nil, it is used
	// as the last hop instead of a randomly selected exit.
	BuildCircuit(target *descriptor.RelayInfo) (*BuiltCircuit, error)
}

// ConnectOnionService performs the full v2 onion service connection protocol:
// resolve descriptor, establish rendezvous, introduce, and complete handshake.
// Returns an io.ReadWriteCloser for the connected stream.
//
// descCookie is the client-authorization descriptor cookie for a
// restricted-discovery service (nil for a public service). blacklist, if
// non-nil, skips introduction points that have recently failed and records
// new failures against them, so a caller reusing it across connection
// attempts to the same service stops retrying a consistently dead intro
// point instead of paying its timeout every time.
func ConnectOnionService(
	address string,
	port uint16,
	consensus *directory.Consensus,
	httpClient *http.Client,
	descCookie []byte,
	blacklist *IntroPointBlacklist,
	builder CircuitBuilder,
	logger *slog.Logger,
) (io.ReadWriteCloser, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Resolve the onion service descriptor.
	logger.Info("resolving onion service", "address", address)
	result, err := ResolveOnionService(address, consensus, httpClient, descCookie, builder)
	if err != nil {
		return nil, fmt.Errorf("resolve onion service: %w", err)
	}
	logger.Info("resolved onion service", "intro_points", len(result.IntroPoints))

	// 2. Build a rendezvous circuit (3-hop, random relay as rendezvous point).
	logger.Info("building rendezvous circuit")
	rendBuilt, err := builder.BuildCircuit(nil)
	if err != nil {
		return nil, fmt.Errorf("build rendezvous circuit: %w", err)
	}

	// 3. Generate rendezvous cookie and send ESTABLISH_RENDEZVOUS.
	rendCookie, err := GenerateRendezvousCookie()
	if err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("generate cookie: %w", err)
	}

	logger.Info("sending ESTABLISH_RENDEZVOUS")
	if err := rendBuilt.Circuit.SendRelay(circuit.RelayEstablishRendezvous, 0, rendCookie[:]); err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("send ESTABLISH_RENDEZVOUS: %w", err)
	}

	// 4. Wait for RENDEZVOUS_ESTABLISHED.
	_, relayCmd, _, _, err := rendBuilt.Circuit.ReceiveRelay()
	if err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("receive RENDEZVOUS_ESTABLISHED: %w", err)
	}
	if relayCmd != circuit.RelayRendezvousEstablished {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("expected RENDEZVOUS_ESTABLISHED (39), got %d", relayCmd)
	}
	logger.Info("rendezvous established")

	if rendBuilt.LastHop.TAPOnionKey == nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("rendezvous point has no legacy onion-key")
	}

	// 5. Try each introduction point, skipping any the blacklist has
	// backed off and recording failures against the rest.
	var lastIntroErr error
	tried := 0
	for ipIdx, ip := range result.IntroPoints {
		identity, idErr := introPointIdentity(ip)
		if idErr == nil && blacklist != nil && blacklist.Blocked(identity) {
			logger.Debug("skipping backed-off introduction point", "index", ipIdx)
			continue
		}

		logger.Info("trying introduction point", "index", ipIdx)
		tried++

		err := tryIntroPoint(ip, rendCookie, rendBuilt, builder, logger)
		if err != nil {
			logger.Warn("intro point failed", "index", ipIdx, "error", err)
			lastIntroErr = err
			if idErr == nil && blacklist != nil {
				blacklist.RecordFailure(identity)
			}
			continue
		}

		// Success, rendezvous circuit now has the onion service virtual hop.
		if idErr == nil && blacklist != nil {
			blacklist.RecordSuccess(identity)
		}
		logger.Info("opening stream to onion service", "port", port)
		target := fmt.Sprintf("%s:%d", address, port)
		s, err := stream.Begin(rendBuilt.Circuit, target)
		if err != nil {
			_ = rendBuilt.LinkCloser.Close()
			return nil, fmt.Errorf("stream begin: %w", err)
		}

		return &onionStream{Stream: s, linkCloser: rendBuilt.LinkCloser}, nil
	}

	_ = rendBuilt.LinkCloser.Close()
	if tried == 0 {
		return nil, fmt.Errorf("all introduction points are backed off")
	}
	return nil, fmt.Errorf("all introduction points failed: %w", lastIntroErr)
}

func tryIntroPoint(
	ip IntroPoint,
	rendCookie [20]byte,
	rendBuilt *BuiltCircuit,
	builder CircuitBuilder,
	logger *slog.Logger,
) error {
	// Build intro point RelayInfo.
	introInfo := &descriptor.RelayInfo{
		NodeID:      ip.Identity,
		TAPOnionKey: ip.OnionKey,
		Address:     ip.Address,
		ORPort:      ip.Port,
	}

	// Build a 3-hop circuit to the introduction point.
	logger.Info("building intro circuit", "target", ip.Address)
	introBuilt, err := builder.BuildCircuit(introInfo)
	if err != nil {
		return fmt.Errorf("build intro circuit: %w", err)
	}
	defer func() { _ = introBuilt.LinkCloser.Close() }()

	rpAddr := net.ParseIP(rendBuilt.LastHop.Address)
	if rpAddr == nil {
		return fmt.Errorf("rendezvous point has invalid address %q", rendBuilt.LastHop.Address)
	}

	logger.Info("sending INTRODUCE1")
	hs, introduce1, err := BuildIntroduce1(
		ip.ServiceKey,
		rpAddr,
		rendBuilt.LastHop.ORPort,
		rendBuilt.LastHop.NodeID,
		rendBuilt.LastHop.TAPOnionKey,
		rendCookie,
	)
	if err != nil {
		return fmt.Errorf("build INTRODUCE1: %w", err)
	}
	defer hs.Close()

	// Send INTRODUCE1 on the intro circuit: the service key's PK_ID, then
	// the encrypted body.
	pkID := serviceKeyDigest(ip.ServiceKey)
	cellBody := append(pkID[:], introduce1...)
	if err := introBuilt.Circuit.SendRelay(circuit.RelayIntroduce1, 0, cellBody); err != nil {
		return fmt.Errorf("send INTRODUCE1: %w", err)
	}

	// Wait for INTRODUCE_ACK on the intro circuit.
	_, relayCmd, _, ackData, err := introBuilt.Circuit.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("receive INTRODUCE_ACK: %w", err)
	}
	if relayCmd != circuit.RelayIntroduceAck {
		return fmt.Errorf("expected INTRODUCE_ACK (40), got %d", relayCmd)
	}
	// Check status: first 2 bytes = status, 0x0000 = success
	if len(ackData) >= 2 {
		status := uint16(ackData[0])<<8 | uint16(ackData[1])
		if status != 0 {
			return fmt.Errorf("INTRODUCE_ACK status=%d (non-zero)", status)
		}
	}
	logger.Info("INTRODUCE_ACK received (success)")

	// Wait for RENDEZVOUS2 on the rendezvous circuit.
	logger.Info("waiting for RENDEZVOUS2")
	_, relayCmd, _, rend2Data, err := rendBuilt.Circuit.ReceiveRelay()
	if err != nil {
		return fmt.Errorf("receive RENDEZVOUS2: %w", err)
	}
	if relayCmd != circuit.RelayRendezvous2 {
		return fmt.Errorf("expected RENDEZVOUS2 (37), got %d", relayCmd)
	}
	logger.Info("RENDEZVOUS2 received")

	// Complete the DH handshake and derive the virtual hop's keys.
	keys, err := CompleteRendezvous(hs, rend2Data)
	if err != nil {
		return fmt.Errorf("complete rendezvous: %w", err)
	}

	hop, err := initOnionHop(keys)
	if err != nil {
		return fmt.Errorf("init onion hop: %w", err)
	}
	rendBuilt.Circuit.AddHop(hop)
	logger.Info("onion service virtual hop added")

	return nil
}

// initOnionHop creates the virtual circuit hop for the onion-service
// rendezvous point, from the SHA-1/AES-128 key material CompleteRendezvous
// derives (the same shape and algorithms a regular TAP hop uses).
func initOnionHop(keys *ntor.KeyMaterial) (*circuit.Hop, error) {
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(keys.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(keys.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("AES-CTR backward: %w", err)
	}

	df := sha1.New()
	df.Write(keys.Df[:])
	db := sha1.New()
	db.Write(keys.Db[:])

	return circuit.NewHop(
		cipher.NewCTR(fwdBlock, zeroIV),
		cipher.NewCTR(bwdBlock, zeroIV),
		df,
		db,
	), nil
}

// onionStream wraps a stream.Stream and closes the underlying link on Close.
type onionStream struct {
	*stream.Stream
	linkCloser io.Closer
}

func (s *onionStream) Close() error {
	err := s.Stream.Close()
	_ = s.linkCloser.Close()
	return err
}
