package client

import (
	"testing"
	"time"

	"github.com/onionrelay/tor-go/torconfig"
	"github.com/onionrelay/tor-go/torerr"
)

func testClient() *Client {
	return New(*torconfig.DefaultConfig(), nil)
}

func TestBootstrapStatusString(t *testing.T) {
	cases := map[BootstrapStatus]string{
		BootstrapStarting:                 "starting",
		BootstrapFetchingConsensus:        "fetching-consensus",
		BootstrapFetchingMicrodescriptors: "fetching-microdescriptors",
		BootstrapBuildingCircuits:         "building-circuits",
		BootstrapDone:                     "done",
		BootstrapStatus(99):               "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("status %d: got %q, want %q", status, got, want)
		}
	}
}

func TestStreamOpenCallbackV1DropsUserData(t *testing.T) {
	c := testClient()
	var gotHandle StreamHandle
	called := false
	c.SetStreamOpenCallbackV1(func(h StreamHandle) {
		called = true
		gotHandle = h
	})

	c.mu.Lock()
	cb := c.streamOpenCB
	c.mu.Unlock()
	cb(StreamHandle(7), "some-user-data")

	if !called {
		t.Fatal("expected v1 callback to fire")
	}
	if gotHandle != 7 {
		t.Fatalf("expected handle 7, got %d", gotHandle)
	}
}

func TestStreamCloseCallbackV1DropsUserData(t *testing.T) {
	c := testClient()
	var gotReason torerr.EndReason
	c.SetStreamCloseCallbackV1(func(h StreamHandle, reason torerr.EndReason) {
		gotReason = reason
	})

	c.mu.Lock()
	cb := c.streamCloseCB
	c.mu.Unlock()
	cb(StreamHandle(1), torerr.EndReasonDone, struct{}{})

	if gotReason != torerr.EndReasonDone {
		t.Fatalf("expected EndReasonDone, got %v", gotReason)
	}
}

func TestStreamRecvCallbackV1DropsUserData(t *testing.T) {
	c := testClient()
	var gotData []byte
	c.SetStreamRecvCallbackV1(func(h StreamHandle, data []byte) {
		gotData = data
	})

	c.mu.Lock()
	cb := c.streamRecvCB
	c.mu.Unlock()
	cb(StreamHandle(1), []byte("payload"), nil)

	if string(gotData) != "payload" {
		t.Fatalf("expected payload forwarded, got %q", gotData)
	}
}

func TestClearDNSCacheEmptiesMap(t *testing.T) {
	c := testClient()
	c.dnsOnly["example.com"] = time.Now()
	c.ClearDNSCache()
	if len(c.dnsOnly) != 0 {
		t.Fatalf("expected dnsOnly cleared, got %d entries", len(c.dnsOnly))
	}
}

func TestWriteStreamBuffersAndFlushWithNoDataIsNoop(t *testing.T) {
	c := testClient()
	h := StreamHandle(1)
	os := &openStream{handle: h, client: c}
	c.streams[h] = os

	if _, err := c.WriteStream(StreamHandle(999), []byte("x")); err == nil {
		t.Fatal("expected error for unknown handle")
	}

	// FlushStream with nothing buffered must not touch the underlying stream.
	if err := c.FlushStream(h); err != nil {
		t.Fatalf("FlushStream with empty buffer: %v", err)
	}

	if n, err := c.WriteStream(h, []byte("abc")); err != nil || n != 3 {
		t.Fatalf("WriteStream: n=%d err=%v", n, err)
	}
	os.mu.Lock()
	buffered := string(os.writeBuf)
	os.mu.Unlock()
	if buffered != "abc" {
		t.Fatalf("expected %q buffered, got %q", "abc", buffered)
	}
}

func TestRecvStreamDataDrainsBuffer(t *testing.T) {
	c := testClient()
	h := StreamHandle(1)
	os := &openStream{handle: h, client: c, readBuf: []byte("hello world")}
	c.streams[h] = os

	got, err := c.RecvStreamData(h, 5)
	if err != nil {
		t.Fatalf("RecvStreamData: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected first 5 bytes, got %q", got)
	}

	rest, err := c.RecvStreamData(h, 0)
	if err != nil {
		t.Fatalf("RecvStreamData: %v", err)
	}
	if string(rest) != " world" {
		t.Fatalf("expected remainder, got %q", rest)
	}
}

func TestQueueRecvdDataDispatchesToReadBufWithoutCallback(t *testing.T) {
	c := testClient()
	h := StreamHandle(1)
	os := &openStream{handle: h, client: c}
	c.streams[h] = os

	c.QueueRecvdData(h, []byte("abc"))
	ev := <-c.events
	c.dispatch(ev)

	os.mu.Lock()
	defer os.mu.Unlock()
	if string(os.readBuf) != "abc" {
		t.Fatalf("expected data appended to readBuf, got %q", os.readBuf)
	}
}

func TestQueueRecvdDataDispatchesToCallbackWhenRegistered(t *testing.T) {
	c := testClient()
	h := StreamHandle(1)
	os := &openStream{handle: h, client: c, userData: "ud"}
	c.streams[h] = os

	var gotData []byte
	var gotUserData any
	c.SetStreamRecvCallback(func(handle StreamHandle, data []byte, ud any) {
		gotData = data
		gotUserData = ud
	})

	c.QueueRecvdData(h, []byte("xyz"))
	ev := <-c.events
	c.dispatch(ev)

	if string(gotData) != "xyz" {
		t.Fatalf("expected callback to receive data, got %q", gotData)
	}
	if gotUserData != "ud" {
		t.Fatalf("expected userData threaded through, got %v", gotUserData)
	}
	os.mu.Lock()
	defer os.mu.Unlock()
	if len(os.readBuf) != 0 {
		t.Fatal("expected readBuf untouched when push callback is registered")
	}
}

func TestQueueClosedStreamRemovesStreamAndFiresCallback(t *testing.T) {
	c := testClient()
	h := StreamHandle(1)
	os := &openStream{handle: h, client: c, userData: "ud", done: make(chan struct{})}
	c.streams[h] = os

	var gotReason torerr.EndReason
	var gotUserData any
	c.SetStreamCloseCallback(func(handle StreamHandle, reason torerr.EndReason, ud any) {
		gotReason = reason
		gotUserData = ud
	})

	c.QueueClosedStream(h, torerr.EndReasonMisc)
	ev := <-c.events
	c.dispatch(ev)

	if gotReason != torerr.EndReasonMisc {
		t.Fatalf("expected EndReasonMisc, got %v", gotReason)
	}
	if gotUserData != "ud" {
		t.Fatalf("expected userData threaded through, got %v", gotUserData)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.streams[h]; ok {
		t.Fatal("expected closed stream removed from streams map")
	}
}

func TestCloseStreamUnknownHandleErrors(t *testing.T) {
	c := testClient()
	if err := c.CloseStream(StreamHandle(42)); err == nil {
		t.Fatal("expected error closing unknown handle")
	}
}

func TestSwitchToNewCircuitsClearsDNSCache(t *testing.T) {
	c := testClient()
	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	c.dnsOnly["example.com"] = time.Now()

	c.SwitchToNewCircuits()

	if len(c.dnsOnly) != 0 {
		t.Fatal("expected SwitchToNewCircuits to clear the DNS cache")
	}
}

func TestSetLogCallbackForwardsRecords(t *testing.T) {
	c := testClient()
	var got LogRecord
	c.SetLogCallback(func(r LogRecord) { got = r })

	c.mu.Lock()
	logger := c.logger
	c.mu.Unlock()
	logger.Info("hello", "n", 42)

	if got.Message != "hello" {
		t.Fatalf("expected message forwarded, got %q", got.Message)
	}
	if got.Attrs["n"] != int64(42) {
		t.Fatalf("expected attr n=42 forwarded, got %v", got.Attrs["n"])
	}
}
