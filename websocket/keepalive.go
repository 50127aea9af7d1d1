package websocket

import "time"

// defaultPingInterval is the keepalive interval used when Config.PingInterval
// is left at its zero value, matching the distilled spec's default of 10s.
const defaultPingInterval = 10 * time.Second

// closeKind enumerates the five reachable states of the close handshake,
// tracked independently for "has the local side sent/queued a Close" and
// "has a Close been received from the peer."
//
// Grounded on original_source/src/connection/close.rs's CloseState enum
// (None / Queued / Sent / ReceivedQueued / ReceivedSent), translated from
// panic-on-duplicate-incoming-close to latching ErrProtocolError, per the
// distilled spec's Design Notes open question: "a production implementation
// should treat it as a protocol error (latch, do not panic)."
type closeKind int

const (
	closeNone closeKind = iota
	closeQueued
	closeSent
	closeReceivedQueued
	closeReceivedSent
)

// closeTracker is the close-state algebra shared between the encode and
// decode paths (distilled spec 4.8's "Close state algebra" table).
type closeTracker struct {
	kind    closeKind
	payload closePayload // the code/reason associated with the local close
}

// receive records an incoming Close frame. It returns ErrProtocolError for
// a second Close from the peer (duplicate remote close), since the wire
// protocol never legitimately sends more than one.
func (c *closeTracker) receive(payload closePayload) error {
	switch c.kind {
	case closeNone:
		c.kind = closeReceivedQueued
		c.payload = payload
	case closeQueued:
		c.kind = closeReceivedQueued
		// Keep the already-queued local payload; it is what gets echoed.
	case closeSent:
		c.kind = closeReceivedSent
	default:
		return ErrProtocolError
	}
	return nil
}

// queueLocal records that a local Close with the given payload should be
// sent. It is only legal to call this once per connection (callers check
// openForSending first); calling it again is a programmer error, not a
// protocol error, so it panics like an index-out-of-range would.
func (c *closeTracker) queueLocal(payload closePayload) {
	switch c.kind {
	case closeNone:
		c.kind = closeQueued
		c.payload = payload
	case closeReceivedQueued, closeReceivedSent:
		// Remote already closed without a local close queued yet; queue
		// ours now (kind stays "received", local moves queued->sent below
		// only once unqueue() is called).
		c.kind = closeReceivedQueued
		c.payload = payload
	default:
		panic("websocket: queueLocal called with a close already queued or sent")
	}
}

// unqueue marks the local Close as actually written to the wire, returning
// the payload that was sent, or ok=false if nothing was queued.
func (c *closeTracker) unqueue() (payload closePayload, ok bool) {
	switch c.kind {
	case closeQueued:
		c.kind = closeSent
		return c.payload, true
	case closeReceivedQueued:
		c.kind = closeReceivedSent
		return c.payload, true
	default:
		return closePayload{}, false
	}
}

// queued reports whether a local Close is waiting to be sent.
func (c *closeTracker) queued() bool {
	return c.kind == closeQueued || c.kind == closeReceivedQueued
}

// openForSending reports whether the local side may still start or
// continue sending data messages: true until a local Close has actually
// been transmitted.
func (c *closeTracker) openForSending() bool {
	switch c.kind {
	case closeNone, closeQueued, closeReceivedQueued:
		return true
	default:
		return false
	}
}

// openForReceiving reports whether the engine should still accept
// incoming data messages: true until a Close has been received from the
// peer (I3).
func (c *closeTracker) openForReceiving() bool {
	switch c.kind {
	case closeNone, closeQueued, closeSent:
		return true
	default:
		return false
	}
}

// fullyClosed reports whether both directions of the close handshake have
// completed: the local Close has been sent and the peer's Close has been
// received.
func (c *closeTracker) fullyClosed() bool {
	return c.kind == closeReceivedSent
}
