package client

import (
	"fmt"
	"io"
	"sync"

	"github.com/onionrelay/tor-go/circuit"
	"github.com/onionrelay/tor-go/stream"
	"github.com/onionrelay/tor-go/torerr"
)

type eventKind int

const (
	eventData eventKind = iota
	eventClosed
)

type streamEvent struct {
	kind   eventKind
	handle StreamHandle
	data   []byte
	reason torerr.EndReason
}

// openStream is a stream attached to the host, bridging the pull-mode
// (RecvStreamData) and push-mode (stream-recv callback) delivery spec
// §4.8 offers side by side.
type openStream struct {
	handle StreamHandle
	client *Client
	// rwc is the underlying transport: a *stream.Stream for a plain exit
	// stream, or an onion.ConnectOnionService result for a .onion stream.
	// Both satisfy io.ReadWriteCloser, which is all this type needs.
	rwc      io.ReadWriteCloser
	mux      *stream.Mux       // nil for onion streams
	circ     *circuit.Circuit  // nil for onion streams
	userData any

	mu       sync.Mutex
	writeBuf []byte
	readBuf  []byte

	// notify/done back Dial's blocking io.ReadWriteCloser adapter: notify
	// wakes a pending Read when dispatch appends to readBuf, done is
	// closed exactly once (guarded by closeOnce) when the stream leaves
	// c.streams, however that happened — host-initiated or remote END.
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (os *openStream) markDone() {
	os.closeOnce.Do(func() { close(os.done) })
}

// OpenStream builds (or reuses) a circuit and opens a stream to target
// ("host:port"), firing the open-callback inline on return — mirroring
// cmd/tor-client/main.go's buildInitialCircuit followed immediately by
// handing the circuit to the SOCKS server, just generalized to many
// concurrent streams through circuitmgr.Manager instead of one global
// circuit.
func (c *Client) OpenStream(target string, userData any) (StreamHandle, error) {
	c.mu.Lock()
	circMgr := c.circMgr
	consensus := c.consensus
	react := c.react
	logger := c.logger
	c.mu.Unlock()
	if circMgr == nil {
		return 0, fmt.Errorf("client not initialized")
	}
	if consensus == nil {
		return 0, fmt.Errorf("client not bootstrapped")
	}

	type built struct {
		s    *stream.Stream
		mux  *stream.Mux
		circ *circuit.Circuit
	}

	resultCh := react.Submit(func() (any, error) {
		var b built
		err := circMgr.AttachStream(consensus, func(circ *circuit.Circuit) error {
			mux := stream.NewMux(circ)
			go mux.Run(logger)
			s, err := stream.BeginMuxed(circ, mux, target)
			if err != nil {
				return err
			}
			b = built{s: s, mux: mux, circ: circ}
			return nil
		})
		return b, err
	})
	res := <-resultCh
	if res.Err != nil {
		return 0, fmt.Errorf("open stream: %w", res.Err)
	}
	b := res.Value.(built)

	handle := StreamHandle(c.nextHandle.Add(1))
	os := &openStream{
		handle:   handle,
		client:   c,
		rwc:      b.s,
		mux:      b.mux,
		circ:     b.circ,
		userData: userData,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.streams[handle] = os
	cb := c.streamOpenCB
	c.mu.Unlock()

	go os.readLoop()

	if cb != nil {
		cb(handle, userData)
	}
	return handle, nil
}

// CloseStream sends RELAY_END and detaches the stream (spec §4.8's
// host-initiated close). Idempotent: closing twice, or racing a remote
// END, is a no-op returning nil the second time either side observes it.
// A handle this Client never issued is an error.
func (c *Client) CloseStream(h StreamHandle) error {
	c.mu.Lock()
	os, ok := c.streams[h]
	delete(c.streams, h)
	c.mu.Unlock()
	if !ok {
		if h != 0 && uint64(h) <= c.nextHandle.Load() {
			return nil // already closed
		}
		return fmt.Errorf("unknown stream handle")
	}
	os.markDone()
	return os.rwc.Close()
}

// WriteStream buffers data for the stream; call FlushStream to actually
// send it as RELAY_DATA cells (spec §4.8's separate write/flush calls,
// so a host can coalesce several small writes into one flush).
func (c *Client) WriteStream(h StreamHandle, data []byte) (int, error) {
	c.mu.Lock()
	os, ok := c.streams[h]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown stream handle")
	}
	os.mu.Lock()
	os.writeBuf = append(os.writeBuf, data...)
	os.mu.Unlock()
	return len(data), nil
}

// FlushStream sends any data buffered by WriteStream.
func (c *Client) FlushStream(h StreamHandle) error {
	c.mu.Lock()
	os, ok := c.streams[h]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown stream handle")
	}

	os.mu.Lock()
	pending := os.writeBuf
	os.writeBuf = nil
	os.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	_, err := os.rwc.Write(pending)
	return err
}

// RecvStreamData is the pull-mode counterpart to the stream-recv
// callback (spec §4.8 "receive via push callback or pull queue"): it
// drains bytes already delivered by the background read loop.
func (c *Client) RecvStreamData(h StreamHandle, max int) ([]byte, error) {
	c.mu.Lock()
	os, ok := c.streams[h]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown stream handle")
	}

	os.mu.Lock()
	defer os.mu.Unlock()
	if len(os.readBuf) == 0 {
		return nil, nil
	}
	n := max
	if n <= 0 || n > len(os.readBuf) {
		n = len(os.readBuf)
	}
	out := os.readBuf[:n]
	os.readBuf = os.readBuf[n:]
	return out, nil
}

// QueueRecvdData hands data received off the wire to the main loop for
// inline dispatch, per spec §4.7's "callbacks dispatched inline during
// handling of the causing event" — the background per-stream reader
// goroutine is not the host's thread, so data crosses here instead of
// calling the host callback directly.
func (c *Client) QueueRecvdData(h StreamHandle, data []byte) {
	select {
	case c.events <- streamEvent{kind: eventData, handle: h, data: data}:
	default:
		c.logger.Warn("client event queue full, dropping received data", "handle", h)
	}
}

// QueueClosedStream hands a stream-closed notification to the main loop,
// the same cross-goroutine handoff QueueRecvdData performs for data.
func (c *Client) QueueClosedStream(h StreamHandle, reason torerr.EndReason) {
	select {
	case c.events <- streamEvent{kind: eventClosed, handle: h, reason: reason}:
	default:
		c.logger.Warn("client event queue full, dropping closed-stream event", "handle", h)
	}
}

func (os *openStream) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := os.rwc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			os.client.QueueRecvdData(os.handle, data)
		}
		if err != nil {
			reason := torerr.EndReasonDone
			if err != io.EOF {
				reason = torerr.EndReasonMisc
			}
			os.client.QueueClosedStream(os.handle, reason)
			return
		}
	}
}
