package stream

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/onionrelay/tor-go/circuit"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

// nextStreamID is a global atomic counter for stream ID allocation.
var nextStreamID atomic.Uint32

func init() {
	nextStreamID.Store(1)
}

const (
	relayEndReasonDone = 6
)

// Stream represents a Tor stream over a circuit.
type Stream struct {
	ID                 uint16
	Circuit            *circuit.Circuit
	CircWindow         int // Circuit-level send package window (init 1000)
	StreamWindow       int // Stream-level send package window (init 500)
	buf                []byte
	closed             bool
	eof                bool
	circDataReceived   int // DATA cells received since last circuit SENDME
	streamDataReceived int // DATA cells received since last stream SENDME

	// mux/box are set when the stream was opened via BeginMuxed: Read then
	// pulls dispatched cells from box instead of calling
	// Circuit.ReceiveRelay directly, so concurrent streams on the same
	// circuit don't discard each other's cells.
	mux *Mux
	box *inbox
}

// Begin opens a new stream to the given target (host:port) through the circuit.
// It sends RELAY_BEGIN and waits for RELAY_CONNECTED.
func Begin(circ *circuit.Circuit, target string) (*Stream, error) {
	var id uint16
	for {
		raw := nextStreamID.Add(1) - 1
		id = uint16(raw)
		if id != 0 {
			break
		}
		// Prevent infinite loop on overflow — 65535 streams is the uint16 limit
		if raw > 0xFFFF {
			return nil, fmt.Errorf("stream ID space exhausted")
		}
	}

	// RELAY_BEGIN payload: "host:port\0" + flags(4 bytes, all zero)
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	// null terminator and flags are already zero

	if err := circ.SendRelay(circuit.RelayBegin, id, payload); err != nil {
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	// Wait for RELAY_CONNECTED (or RELAY_END on failure)
	for {
		_, relayCmd, respStreamID, data, err := circ.ReceiveRelay()
		if err != nil {
			return nil, fmt.Errorf("receive relay response: %w", err)
		}

		// Ignore cells for other streams
		if respStreamID != id {
			continue
		}

		switch relayCmd {
		case circuit.RelayConnected:
			return &Stream{
				ID:           id,
				Circuit:      circ,
				CircWindow:   1000,
				StreamWindow: 500,
			}, nil
		case circuit.RelayEnd:
			reason := uint8(0)
			if len(data) > 0 {
				reason = data[0]
			}
			return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", reason)
		default:
			return nil, fmt.Errorf("unexpected relay command %d while waiting for CONNECTED", relayCmd)
		}
	}
}

// BeginMuxed opens a new stream like Begin, but registers it with mux
// before sending RELAY_BEGIN so concurrent streams can share circ. The
// returned Stream's Read pulls from its dispatched inbox instead of
// calling circ.ReceiveRelay directly.
func BeginMuxed(circ *circuit.Circuit, mux *Mux, target string) (*Stream, error) {
	id, err := allocateStreamID()
	if err != nil {
		return nil, err
	}

	s := &Stream{
		ID:           id,
		Circuit:      circ,
		CircWindow:   initCircWindow,
		StreamWindow: initStreamWindow,
		mux:          mux,
		box:          newInbox(),
	}
	mux.Register(s)

	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	if err := circ.SendRelay(circuit.RelayBegin, id, payload); err != nil {
		mux.Unregister(id)
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	msg := s.box.pop()
	if msg.err != nil {
		mux.Unregister(id)
		return nil, fmt.Errorf("receive relay response: %w", msg.err)
	}
	switch msg.cmd {
	case circuit.RelayConnected:
		return s, nil
	case circuit.RelayEnd:
		mux.Unregister(id)
		reason := uint8(0)
		if len(msg.data) > 0 {
			reason = msg.data[0]
		}
		return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", reason)
	default:
		mux.Unregister(id)
		return nil, fmt.Errorf("unexpected relay command %d while waiting for CONNECTED", msg.cmd)
	}
}

// Resolve issues a RELAY_RESOLVE for hostname over circ and returns the
// resolved IPv4 address, without opening a data stream (tor-spec's
// DNS-only stream type, spec §3's RESOLVE/RESOLVED operation).
func Resolve(circ *circuit.Circuit, mux *Mux, hostname string) (net.IP, error) {
	id, err := allocateStreamID()
	if err != nil {
		return nil, err
	}

	box := newInbox()
	s := &Stream{ID: id, Circuit: circ, mux: mux, box: box}
	mux.Register(s)
	defer mux.Unregister(id)

	payload := append([]byte(hostname), 0)
	if err := circ.SendRelay(circuit.RelayResolve, id, payload); err != nil {
		return nil, fmt.Errorf("send RELAY_RESOLVE: %w", err)
	}

	msg := box.pop()
	if msg.err != nil {
		return nil, fmt.Errorf("receive RESOLVED: %w", msg.err)
	}
	if msg.cmd == circuit.RelayEnd {
		return nil, fmt.Errorf("resolve failed: RELAY_END")
	}
	if msg.cmd != circuit.RelayResolved {
		return nil, fmt.Errorf("expected RELAY_RESOLVED, got command %d", msg.cmd)
	}
	return parseResolved(msg.data)
}

// parseResolved extracts the first IPv4 answer from a RELAY_RESOLVED
// payload: a sequence of TYPE(1) LEN(1) VALUE(LEN) TTL(4) records.
func parseResolved(data []byte) (net.IP, error) {
	for len(data) >= 2 {
		atype := data[0]
		alen := int(data[1])
		if len(data) < 2+alen+4 {
			break
		}
		val := data[2 : 2+alen]
		if atype == 4 && alen == 4 {
			return net.IP(val), nil
		}
		data = data[2+alen+4:]
	}
	return nil, fmt.Errorf("no IPv4 answer in RESOLVED payload")
}

func allocateStreamID() (uint16, error) {
	for {
		raw := nextStreamID.Add(1) - 1
		id := uint16(raw)
		if id != 0 {
			return id, nil
		}
		if raw > 0xFFFF {
			return 0, fmt.Errorf("stream ID space exhausted")
		}
	}
}

// Write sends data through the stream as RELAY_DATA cells.
// Data is split into chunks of up to 498 bytes (MaxRelayDataLen).
// Respects send-side flow control windows.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	total := 0
	for len(p) > 0 {
		// Check send windows: if either is exhausted, Write returns an
		// error; it does not wait for a SENDME, muxed streams included.
		if s.CircWindow <= 0 || s.StreamWindow <= 0 {
			return total, fmt.Errorf("send window exhausted (circ=%d, stream=%d)", s.CircWindow, s.StreamWindow)
		}

		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}
		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		s.CircWindow--
		s.StreamWindow--
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read receives data from the stream.
// It reads RELAY_DATA cells and buffers their contents.
func (s *Stream) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	// Return buffered data first
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	if s.box != nil {
		return s.readMuxed(p)
	}

	// Unmuxed path: read cells directly off the circuit, for callers that
	// own the only stream on it.
	for {
		_, relayCmd, streamID, data, err := s.Circuit.ReceiveRelay()
		if err != nil {
			return 0, fmt.Errorf("receive relay: %w", err)
		}

		if relayCmd == circuit.RelaySendMe && streamID == 0 {
			s.CircWindow += 100
			continue
		}
		if streamID != s.ID {
			continue
		}

		n, done, err := s.handleRelayCmd(relayCmd, data, p)
		if done {
			return n, err
		}
	}
}

// readMuxed pulls cells dispatched by this stream's Mux instead of
// reading the circuit directly, so sibling streams keep making progress.
func (s *Stream) readMuxed(p []byte) (int, error) {
	for {
		msg := s.box.pop()
		if msg.err != nil {
			return 0, fmt.Errorf("receive relay: %w", msg.err)
		}
		if msg.cmd == circuit.RelaySendMe && msg.data == nil {
			// Broadcast circuit-level SENDME (Mux sets cmd with nil data).
			s.CircWindow += 100
			continue
		}

		n, done, err := s.handleRelayCmd(msg.cmd, msg.data, p)
		if done {
			return n, err
		}
	}
}

// handleRelayCmd applies one already-demultiplexed relay cell for this
// stream. done is false when the caller should keep reading (e.g. a
// stream-level SENDME consumed no caller bytes).
func (s *Stream) handleRelayCmd(relayCmd uint8, data []byte, p []byte) (n int, done bool, err error) {
	switch relayCmd {
	case circuit.RelayData:
		if err := s.handleDataReceived(); err != nil {
			return 0, true, err
		}
		n = copy(p, data)
		if n < len(data) {
			s.buf = append(s.buf, data[n:]...)
		}
		return n, true, nil
	case circuit.RelayEnd:
		s.eof = true
		return 0, true, io.EOF
	case circuit.RelaySendMe:
		s.StreamWindow += 50
		return 0, false, nil
	default:
		return 0, true, fmt.Errorf("unexpected relay command %d on stream", relayCmd)
	}
}

// Close sends RELAY_END to close the stream.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.mux != nil {
		s.mux.Unregister(s.ID)
	}
	return s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
}
