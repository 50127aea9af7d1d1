package websocket

import "bufio"

// maxFrameStage is the largest payload the encoder buffers into a single
// outgoing frame before flushing a fin=false continuation and starting a
// fresh one. 1300 total bytes minus an 8-byte header reserve (2-byte base
// header + up to 2 bytes extended length + 4-byte mask), matching the
// distilled spec's "fragments any message exceeding ~1292 bytes" note.
const maxFrameStage = 1300 - 8

// frameEncoder is the write side of a connection: it turns a stream of
// WriteText/WriteBinary-style calls into correctly fragmented RFC 6455
// frames and carries a one-slot mailbox for control frames (Pong echoes,
// Close, keepalive Ping) that must reach the wire independently of
// whatever data message is in progress.
//
// Grounded on the distilled spec's C5 (Frame Encoder); the physical
// writeFrame/applyMask primitives are the teacher's frame.go unchanged.
// Unlike the distilled spec's encoder, this type never buffers a partial
// frame across calls to poll a transport: bufio.Writer.Write plus Flush
// already makes one writeFrame call atomic from the perspective of any
// other goroutine serialized behind the same write lock, so there is no
// "frame_in_progress writing-offset" state to track (see DESIGN.md).
type frameEncoder struct {
	w      *bufio.Writer
	masked bool // true for client role: every outgoing frame gets a random mask

	started bool   // a message is open between startMessage and endMessage
	opcode  byte   // opcode of the next frame flushed for the open message
	buf     []byte // staged payload bytes not yet written to the wire

	control pendingControl
}

func newFrameEncoder(w *bufio.Writer, masked bool) *frameEncoder {
	return &frameEncoder{w: w, masked: masked}
}

// startMessage opens a new outgoing message of the given kind.
// Requires no message already in progress (I2).
func (e *frameEncoder) startMessage(kind MessageType) error {
	if e.started {
		return ErrWriterInUse
	}
	e.started = true
	e.opcode = byte(kind)
	e.buf = e.buf[:0]
	return nil
}

// appendData stages bytes into the in-progress frame, flushing complete
// 1292-byte fin=false frames as the staging buffer fills. Returns the
// number of bytes consumed (always len(p) unless a write error occurs).
func (e *frameEncoder) appendData(p []byte) (int, error) {
	if !e.started {
		return 0, ErrProtocolError
	}
	n := 0
	for len(p) > 0 {
		space := maxFrameStage - len(e.buf)
		if space <= 0 {
			if err := e.flushStaged(false); err != nil {
				return n, err
			}
			space = maxFrameStage
		}
		take := space
		if take > len(p) {
			take = len(p)
		}
		e.buf = append(e.buf, p[:take]...)
		p = p[take:]
		n += take
	}
	return n, nil
}

// endMessage finalizes the in-progress message with fin=1, flushing an
// empty final frame if no data was ever staged for it.
func (e *frameEncoder) endMessage() error {
	if !e.started {
		return nil
	}
	if err := e.flushStaged(true); err != nil {
		return err
	}
	e.started = false
	e.opcode = 0
	e.buf = e.buf[:0]
	return nil
}

// flushStaged writes the currently staged bytes as one frame with the
// given fin bit, then (for fin=false) arms the next frame to continue
// the same message as an opcodeContinuation frame (RFC 6455 Section 5.4).
func (e *frameEncoder) flushStaged(fin bool) error {
	f := &frame{fin: fin, opcode: e.opcode, payload: e.buf}
	if e.masked {
		f.masked = true
		f.mask = generateMask()
	}
	if err := writeFrame(e.w, f); err != nil {
		return err
	}
	e.buf = e.buf[:0]
	e.opcode = opcodeContinuation
	return nil
}

// writeControl immediately writes a complete control frame (Ping, Pong,
// or Close), bypassing the data-message staging buffer entirely. Callers
// are responsible for invoking this only when it is safe to interleave
// with the in-progress data frame's boundary (I5) — the engine only ever
// calls it between appendData calls or while no message is open.
func (e *frameEncoder) writeControl(opcode byte, payload []byte) error {
	f := &frame{fin: true, opcode: opcode, payload: payload}
	if e.masked {
		f.masked = true
		f.mask = generateMask()
	}
	return writeFrame(e.w, f)
}

// flushPendingControl writes whatever control frame is currently queued,
// first finalizing any already-staged (but not yet flushed) data bytes of
// the in-progress message with fin=false so the control frame's header
// never lands between the header and payload of another frame (I5). If
// nothing has been staged for the open message yet, there is nothing to
// finalize: no bytes of that message have reached the wire.
func (e *frameEncoder) flushPendingControl() error {
	opcode, payload, ok := e.control.take()
	if !ok {
		return nil
	}
	if e.started && len(e.buf) > 0 {
		if err := e.flushStaged(false); err != nil {
			return err
		}
	}
	return e.writeControl(opcode, payload)
}

// pendingControl is the encoder's one-slot control-frame mailbox.
//
// Grounded on the distilled spec's C5 tie-break rule: Close outranks Pong
// outranks Ping. A second queued Close collapses into (is discarded in
// favor of) the first, matching I3's "guarantees a Close will be enqueued
// ... if one has not already been queued."
type pendingControl struct {
	present bool
	opcode  byte
	payload []byte
}

func controlPriority(opcode byte) int {
	switch opcode {
	case opcodeClose:
		return 3
	case opcodePong:
		return 2
	case opcodePing:
		return 1
	default:
		return 0
	}
}

// queue stores opcode/payload as the pending control frame, applying the
// priority tie-break when a slot is already occupied. Returns false when
// a Close already occupies the slot (the new frame, of any kind, is
// dropped). A lower-priority frame arriving while a higher-priority one
// is queued is also dropped, but queue still returns true.
func (p *pendingControl) queue(opcode byte, payload []byte) bool {
	if !p.present {
		p.present, p.opcode, p.payload = true, opcode, payload
		return true
	}
	if p.opcode == opcodeClose {
		return false
	}
	if controlPriority(opcode) >= controlPriority(p.opcode) {
		p.opcode, p.payload = opcode, payload
	}
	return true
}

// take removes and returns the pending control frame, if any.
func (p *pendingControl) take() (opcode byte, payload []byte, ok bool) {
	if !p.present {
		return 0, nil, false
	}
	opcode, payload = p.opcode, p.payload
	*p = pendingControl{}
	return opcode, payload, true
}
