package client

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/onionrelay/tor-go/circuitmgr"
	"github.com/onionrelay/tor-go/descriptor"
	"github.com/onionrelay/tor-go/directory"
	"github.com/onionrelay/tor-go/onion"
)

// onionCircuitBuilder adapts circuitmgr.Manager to onion.CircuitBuilder: a
// nil target goes through the normal full-path build (random exit, used as
// a rendezvous point), a non-nil target (an introduction point or HSDir)
// goes through BuildCircuitTo, which fixes the last hop instead of letting
// pathselect choose one.
type onionCircuitBuilder struct {
	mgr       *circuitmgr.Manager
	consensus *directory.Consensus
}

func (b *onionCircuitBuilder) BuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	if target != nil {
		circ, l, err := b.mgr.BuildCircuitTo(b.consensus, target)
		if err != nil {
			return nil, err
		}
		return &onion.BuiltCircuit{Circuit: circ, LinkCloser: l, LastHop: target}, nil
	}

	circ, l, exit, err := b.mgr.BuildFresh(b.consensus)
	if err != nil {
		return nil, err
	}
	return &onion.BuiltCircuit{
		Circuit:    circ,
		LinkCloser: l,
		LastHop: &descriptor.RelayInfo{
			NodeID:       exit.Identity,
			NtorOnionKey: exit.NtorOnionKey,
			TAPOnionKey:  exit.TAPOnionKey,
			Address:      exit.Address,
			ORPort:       exit.ORPort,
		},
	}, nil
}

// decodeHidServAuthCookie turns a torconfig HidServAuth value (base32,
// legacy Tor's "HidServAuth <address> <cookie>" format, optionally
// carrying a trailing ":descriptor" auth-type suffix we don't use) into
// the raw descriptor-cookie bytes onion.DecryptIntroPoints wants.
func decodeHidServAuthCookie(raw string) ([]byte, error) {
	cookie := strings.SplitN(raw, ":", 2)[0]
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(cookie))
	if err != nil {
		return nil, fmt.Errorf("decode HidServAuth cookie: %w", err)
	}
	return decoded, nil
}

// ConnectOnion opens a stream to a .onion service through the full
// introduce/rendezvous protocol (onion.ConnectOnionService), reusing this
// Client's bootstrapped consensus and circuit pool the same way OpenStream
// reuses them for a plain exit stream. A per-address intro-point blacklist
// is kept across calls so repeated connection attempts to the same service
// stop retrying introduction points that keep failing.
func (c *Client) ConnectOnion(address string, port uint16) (StreamHandle, error) {
	c.mu.Lock()
	circMgr := c.circMgr
	consensus := c.consensus
	logger := c.logger
	var cookie []byte
	if raw, ok := c.cfg.HidServAuth[address]; ok {
		var err error
		cookie, err = decodeHidServAuthCookie(raw)
		if err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	c.mu.Unlock()
	if circMgr == nil {
		return 0, fmt.Errorf("client not initialized")
	}
	if consensus == nil {
		return 0, fmt.Errorf("client not bootstrapped")
	}

	blacklist := c.introBlacklist(address)
	builder := &onionCircuitBuilder{mgr: circMgr, consensus: consensus}

	rwc, err := onion.ConnectOnionService(address, port, consensus, nil, cookie, blacklist, builder, logger)
	if err != nil {
		return 0, fmt.Errorf("connect onion service: %w", err)
	}

	handle := StreamHandle(c.nextHandle.Add(1))
	os := &openStream{
		handle: handle,
		client: c,
		rwc:    rwc,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.streams[handle] = os
	cb := c.streamOpenCB
	c.mu.Unlock()

	go os.readLoop()

	if cb != nil {
		cb(handle, nil)
	}
	return handle, nil
}

func (c *Client) introBlacklist(address string) *onion.IntroPointBlacklist {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.introBlacklists == nil {
		c.introBlacklists = make(map[string]*onion.IntroPointBlacklist)
	}
	b, ok := c.introBlacklists[address]
	if !ok {
		b = onion.NewIntroPointBlacklist()
		c.introBlacklists[address] = b
	}
	return b
}
