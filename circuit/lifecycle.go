package circuit

import "github.com/onionrelay/tor-go/torerr"

// MarkForClose requests that the circuit be torn down with reason, sending
// DESTROY at most once no matter how many callers race to close the same
// circuit. The teacher's Destroy (and the original C Tor it follows) lets
// a second DESTROY race through and relies on the relay tolerating the
// duplicate; this makes the close idempotent at the call site instead.
func (c *Circuit) MarkForClose(reason torerr.EndReason) error {
	if !c.markedForClose.CompareAndSwap(false, true) {
		return nil
	}
	c.closeReason.Store(uint32(reason))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sendDestroyLocked(uint8(reason))
}

// IsMarkedForClose reports whether MarkForClose has already been called.
func (c *Circuit) IsMarkedForClose() bool {
	return c.markedForClose.Load()
}

// CloseReason returns the reason passed to MarkForClose, or 0 if the
// circuit hasn't been marked.
func (c *Circuit) CloseReason() torerr.EndReason {
	return torerr.EndReason(c.closeReason.Load())
}
