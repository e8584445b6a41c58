// Package client implements the host-facing API: a single Client object
// a host embeds to open/close/read/write anonymized streams, register
// callbacks, and drive bootstrap. cmd/tor-client/main.go wires the same
// pieces (cache → consensus → circuit → SOCKS) as one linear function;
// this turns that sequencing into named, independently callable methods
// backed by a reactor.Reactor instead of a single global circuit.
package client

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onionrelay/tor-go/circuitmgr"
	"github.com/onionrelay/tor-go/directory"
	"github.com/onionrelay/tor-go/guard"
	"github.com/onionrelay/tor-go/onion"
	"github.com/onionrelay/tor-go/reactor"
	"github.com/onionrelay/tor-go/torconfig"
	"github.com/onionrelay/tor-go/torerr"
)

// BootstrapStatus mirrors spec §4.8's set_bootstrap_callback status enum.
type BootstrapStatus int

const (
	BootstrapStarting BootstrapStatus = iota
	BootstrapFetchingConsensus
	BootstrapFetchingMicrodescriptors
	BootstrapBuildingCircuits
	BootstrapDone
)

func (s BootstrapStatus) String() string {
	switch s {
	case BootstrapStarting:
		return "starting"
	case BootstrapFetchingConsensus:
		return "fetching-consensus"
	case BootstrapFetchingMicrodescriptors:
		return "fetching-microdescriptors"
	case BootstrapBuildingCircuits:
		return "building-circuits"
	case BootstrapDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamHandle identifies one open stream to the host. It is an opaque
// integer rather than a pointer so callbacks can be fired after the
// underlying *stream.Stream is gone (e.g. a late close event).
type StreamHandle uint64

// Client is the top-level context object spec §9's "re-architect global
// mutable state" calls for: consensus, guard set, circuit pool, and
// logging subsystem are all fields here instead of package-level
// singletons, constructed once by New and threaded explicitly.
type Client struct {
	mu     sync.Mutex
	cfg    torconfig.Config
	logger *slog.Logger

	cache     *directory.Cache
	consensus *directory.Consensus
	guards    *guard.Set
	circMgr   *circuitmgr.Manager
	react     *reactor.Reactor

	bootstrapCB   func(BootstrapStatus, int)
	streamOpenCB  func(StreamHandle, any)
	streamCloseCB func(StreamHandle, torerr.EndReason, any)
	streamRecvCB  func(StreamHandle, []byte, any)

	streams    map[StreamHandle]*openStream
	nextHandle atomic.Uint64

	events  chan streamEvent
	dnsMu   sync.Mutex
	dnsOnly map[string]time.Time // emptied by ClearDNSCache; Client adds no entries

	// introBlacklists tracks, per onion address, introduction points that
	// have recently failed (guarded by mu like the rest of Client's state).
	introBlacklists map[string]*onion.IntroPointBlacklist
}

// New constructs a Client from cfg. Init must be called before Bootstrap
// or OpenStream.
func New(cfg torconfig.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		cache:   &directory.Cache{Dir: directory.DefaultCacheDir()},
		guards:  guard.NewSet(cfg.NumEntryGuards),
		react:   reactor.New(logger),
		streams: make(map[StreamHandle]*openStream),
		events:  make(chan streamEvent, 256),
		dnsOnly: make(map[string]time.Time),
	}
}

// Init starts the reactor and its crypto worker pool. Mirrors
// cmd/tor-client/main.go's setupLogging()+directory.Cache{} sequence,
// minus the parts now done lazily by Bootstrap.
func (c *Client) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.circMgr != nil {
		return fmt.Errorf("client already initialized")
	}
	c.react.Start()
	c.circMgr = circuitmgr.New(c.cfg.NumEntryGuards, c.cfg.MaxCircuitDirtiness, c.guards, c.logger)
	return nil
}

// Shutdown tears down every open stream and stops the reactor. Safe to
// call more than once.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	streams := make([]*openStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[StreamHandle]*openStream)
	c.mu.Unlock()

	for _, s := range streams {
		s.markDone()
		_ = s.rwc.Close()
	}
	c.react.Stop()
	return nil
}

// SetConf re-parses configuration text, per spec §4.8's set_conf.
func (c *Client) SetConf(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Merge(text, false)
}

// SetBootstrapCallback registers the progress callback (spec §4.8).
func (c *Client) SetBootstrapCallback(fn func(status BootstrapStatus, progress int)) {
	c.mu.Lock()
	c.bootstrapCB = fn
	c.mu.Unlock()
}

// SetStreamOpenCallback registers the v2 (handle, userData) open callback.
func (c *Client) SetStreamOpenCallback(fn func(StreamHandle, any)) {
	c.mu.Lock()
	c.streamOpenCB = fn
	c.mu.Unlock()
}

// SetStreamOpenCallbackV1 registers the legacy v1 (handle) open callback by
// storing, in the v2 slot, an adapter that calls fn and discards userData.
func (c *Client) SetStreamOpenCallbackV1(fn func(StreamHandle)) {
	c.SetStreamOpenCallback(func(h StreamHandle, _ any) { fn(h) })
}

// SetStreamCloseCallback registers the v2 (handle, reason, userData) close callback.
func (c *Client) SetStreamCloseCallback(fn func(StreamHandle, torerr.EndReason, any)) {
	c.mu.Lock()
	c.streamCloseCB = fn
	c.mu.Unlock()
}

// SetStreamCloseCallbackV1 registers the legacy v1 (handle, reason) close callback.
func (c *Client) SetStreamCloseCallbackV1(fn func(StreamHandle, torerr.EndReason)) {
	c.SetStreamCloseCallback(func(h StreamHandle, r torerr.EndReason, _ any) { fn(h, r) })
}

// SetStreamRecvCallback registers the v2 (handle, data, userData) push-receive callback.
func (c *Client) SetStreamRecvCallback(fn func(StreamHandle, []byte, any)) {
	c.mu.Lock()
	c.streamRecvCB = fn
	c.mu.Unlock()
}

// SetStreamRecvCallbackV1 registers the legacy v1 (handle, data) push-receive callback.
func (c *Client) SetStreamRecvCallbackV1(fn func(StreamHandle, []byte)) {
	c.SetStreamRecvCallback(func(h StreamHandle, d []byte, _ any) { fn(h, d) })
}

// ClearDNSCache empties the client's hostname cache (spec §4.8's
// clear_dns_cache). Client itself never adds entries to that cache:
// OpenStream hands the hostname to the exit on every call, so no cached
// answer is ever reused.
func (c *Client) ClearDNSCache() {
	c.dnsMu.Lock()
	c.dnsOnly = make(map[string]time.Time)
	c.dnsMu.Unlock()
}

// SwitchToNewCircuits implements spec §4.8's switch_to_new_circuits
// (NewIdentity): every pooled circuit is marked for close so future
// streams build fresh paths, without touching already-attached streams —
// satisfying §8's idempotent-close law by routing through MarkForClose
// rather than a second Destroy.
func (c *Client) SwitchToNewCircuits() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circMgr.DrainPool()
	c.ClearDNSCache()
}
