package client

import (
	"fmt"
	"io"
)

// streamConn adapts a StreamHandle to a blocking io.ReadWriteCloser, the
// shape socks.Server's Dial field (and any other plain-conn consumer)
// expects, so a host can sit a connection-oriented proxy directly on top
// of Client instead of cmd/tor-client/main.go's hand-built single
// circuit + stream.Begin.
type streamConn struct {
	c  *Client
	h  StreamHandle
	os *openStream
}

// Read blocks until data is available or the stream closes. It only
// observes data that reaches the pull buffer, so it must not be mixed
// with a registered stream-recv push callback on the same stream.
func (sc *streamConn) Read(p []byte) (int, error) {
	for {
		sc.os.mu.Lock()
		if len(sc.os.readBuf) > 0 {
			n := copy(p, sc.os.readBuf)
			sc.os.readBuf = sc.os.readBuf[n:]
			sc.os.mu.Unlock()
			return n, nil
		}
		sc.os.mu.Unlock()

		select {
		case <-sc.os.notify:
		case <-sc.os.done:
			return 0, io.EOF
		}
	}
}

func (sc *streamConn) Write(p []byte) (int, error) {
	n, err := sc.c.WriteStream(sc.h, p)
	if err != nil {
		return n, err
	}
	if err := sc.c.FlushStream(sc.h); err != nil {
		return n, err
	}
	return n, nil
}

func (sc *streamConn) Close() error {
	return sc.c.CloseStream(sc.h)
}

// Dial opens a stream to target ("host:port") and returns it as a plain
// io.ReadWriteCloser, letting socks.Server.Dial (or any similar
// connection-oriented consumer) route traffic through Client without
// knowing anything about circuits, streams, or the reactor.
func (c *Client) Dial(target string) (io.ReadWriteCloser, error) {
	h, err := c.OpenStream(target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c.mu.Lock()
	os, ok := c.streams[h]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: stream closed immediately", target)
	}
	return &streamConn{c: c, h: h, os: os}, nil
}

// DialOnion connects to a .onion service and returns it as a plain
// io.ReadWriteCloser — the shape socks.Server.OnionHandler expects, so a
// host wiring Client under a SOCKS server gets .onion routing without
// touching onion.ConnectOnionService directly.
func (c *Client) DialOnion(address string, port uint16) (io.ReadWriteCloser, error) {
	h, err := c.ConnectOnion(address, port)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	os, ok := c.streams[h]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connect onion %s: stream closed immediately", address)
	}
	return &streamConn{c: c, h: h, os: os}, nil
}
