package websocket

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// transport is the minimal surface the engine needs from the underlying
// network connection. net.Conn satisfies it directly; tests substitute
// net.Pipe(), which has supported read deadlines since Go 1.10.
type transport interface {
	io.Closer
	SetReadDeadline(t time.Time) error
}

// connState is the engine's own three-state lifecycle, distinct from the
// five-state closeTracker algebra: closeTracker tracks the RFC 6455
// closing handshake, connState tracks whether this engine may still be
// driven at all.
//
// The distilled spec's Design Notes flag a fourth candidate state,
// "ClosedErrConsumed" (the latched error has already been returned once).
// This implementation folds that into errTaken, a bool consumed under the
// same lock as state, rather than a fourth connState value: a dedicated
// state would let a second consumeErrLocked forget it already
// transitioned and re-derive the wrong thing, where a plain bool cannot.
type connState int

const (
	stateOpen connState = iota
	stateClosedOK
	stateClosedErr
)

// IncomingMessage is one element of the channel returned by
// (*engine).messages: either a message the caller should read via Reader,
// or a terminal Err once the stream ends.
type IncomingMessage struct {
	Type   MessageType
	Reader *MessageReader
	Err    error
}

// engine is the per-connection WebSocket state machine: the Go expansion
// of the distilled spec's C9 (Connection Engine). It owns the decoder,
// encoder, and close-state algebra, and exposes the primitives that
// MessageReader/MessageWriter and the higher-level Conn wrapper build on.
//
// Unlike the Rust original's single-threaded poll/Waker engine, this
// engine assumes it may be driven by one goroutine at a time per
// direction: mu guards a small amount of bookkeeping state that is
// only ever held briefly, while readMu/writeMu separately serialize the
// actual blocking transport calls so bookkeeping operations (attaching a
// handle, checking state) never wait behind network I/O. No background
// goroutine drives decoding: progress only happens on whatever goroutine
// is currently inside NextReader/Read/NextWriter/Write, except for the
// one opt-in exception, messages(), which starts exactly one goroutine
// lazily on first use.
type engine struct {
	mu sync.Mutex

	readMu  *ctxMutex
	writeMu *ctxMutex

	tr  transport
	r   *bufio.Reader
	w   *bufio.Writer
	cfg Config

	dec     *messageDecoder
	enc     *frameEncoder
	closeSt closeTracker

	state    connState
	err      error
	errTaken bool

	pingOutstanding bool

	readerAttached bool
	readerGen      uint64
	curData        []byte
	discarding     bool

	writerAttached bool
	writerGen      uint64

	messagesOnce sync.Once
	messagesCh   chan IncomingMessage
}

// newEngine wires a transport and its buffered reader/writer into a fresh
// engine. cfg.Mask selects role: true plays the client (masks outgoing
// frames), false plays the server (sends unmasked frames), per RFC 6455
// Section 5.1. The mask bit of incoming frames is not checked in either
// role (see messageDecoder.next).
func newEngine(tr transport, r *bufio.Reader, w *bufio.Writer, cfg Config) *engine {
	cfg = cfg.withDefaults()
	return &engine{
		tr:      tr,
		r:       r,
		w:       w,
		cfg:     cfg,
		dec:     newMessageDecoder(r, cfg.MaxFramePayload),
		enc:     newFrameEncoder(w, cfg.Mask),
		readMu:  newCtxMutex(),
		writeMu: newCtxMutex(),
	}
}

// ---- read side -------------------------------------------------------

// step performs at most one physical frame read, transparently handling
// every control-frame event (Ping echo, Pong disarm, Close handshake) and
// keepalive timeouts internally. It only returns to its caller on a
// data-relevant event, a terminal Close, or a fatal error.
func (e *engine) step(ctx context.Context) (decodeEvent, error) {
	for {
		e.mu.Lock()
		switch e.state {
		case stateClosedErr:
			err := e.consumeErrLocked()
			e.mu.Unlock()
			if err != nil {
				return decodeEvent{}, err
			}
			return decodeEvent{kind: evTerminal}, nil
		case stateClosedOK:
			e.mu.Unlock()
			return decodeEvent{kind: evTerminal}, nil
		}
		e.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return decodeEvent{}, err
		}

		ev, rerr := e.readOneFrame(ctx)
		if rerr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return decodeEvent{}, cerr
			}
			if isDeadlineExceededErr(rerr) {
				if e.bumpPingOutstanding() {
					return decodeEvent{}, e.latch(ErrTimeout)
				}
				if werr := e.sendPing(); werr != nil {
					return decodeEvent{}, e.latch(werr)
				}
				continue
			}
			return decodeEvent{}, e.latch(rerr)
		}

		e.mu.Lock()
		e.pingOutstanding = false
		e.mu.Unlock()

		switch ev.kind {
		case evPing:
			if werr := e.echoPong(ev.data); werr != nil {
				return decodeEvent{}, e.latch(werr)
			}
		case evPong:
			// no-op beyond the disarm above
		case evClose:
			if cerr := e.onReceivedClose(ev.close); cerr != nil {
				return decodeEvent{}, e.latch(cerr)
			}
			e.mu.Lock()
			if e.state == stateOpen {
				e.state = stateClosedOK
			}
			e.mu.Unlock()
			return decodeEvent{kind: evClose}, nil
		default:
			e.mu.Lock()
			discarding := e.discarding
			if discarding && ev.kind == evMessageEnd {
				e.discarding = false
			}
			e.mu.Unlock()
			if discarding {
				continue
			}
			return ev, nil
		}
	}
}

// readOneFrame arms the keepalive deadline, races it against ctx, and
// performs exactly one decoder.next() call under the read lock.
func (e *engine) readOneFrame(ctx context.Context) (decodeEvent, error) {
	if err := e.readMu.Lock(ctx); err != nil {
		return decodeEvent{}, err
	}
	defer e.readMu.Unlock()

	stop := e.watchContext(ctx)
	defer stop()

	if e.cfg.PingInterval > 0 {
		e.setReadDeadline(time.Now().Add(e.cfg.PingInterval))
	} else {
		e.setReadDeadline(time.Time{})
	}

	return e.dec.next()
}

// watchContext arms an immediate read deadline if ctx is canceled before
// the in-flight read returns on its own; the returned func must be called
// once the read returns to stop the watcher. net.Conn documents
// SetReadDeadline as safe to call concurrently with an in-flight Read.
func (e *engine) watchContext(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.setReadDeadline(time.Unix(0, 1))
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (e *engine) setReadDeadline(t time.Time) {
	if e.tr == nil {
		return
	}
	_ = e.tr.SetReadDeadline(t)
}

func isDeadlineExceededErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (e *engine) bumpPingOutstanding() (alreadyOutstanding bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pingOutstanding {
		return true
	}
	e.pingOutstanding = true
	return false
}

// nextReader blocks until a new message starts, the connection closes
// cleanly (Reader == nil, err == nil), or a fatal error occurs. Only one
// MessageReader may be attached at a time (I1).
func (e *engine) nextReader(ctx context.Context) (MessageType, *MessageReader, error) {
	e.mu.Lock()
	attached := e.readerAttached
	e.mu.Unlock()
	if attached {
		return 0, nil, ErrReaderInUse
	}

	for {
		ev, err := e.step(ctx)
		if err != nil {
			return 0, nil, err
		}
		switch ev.kind {
		case evTerminal, evClose:
			return 0, nil, nil
		case evMessageStart:
			e.mu.Lock()
			e.readerAttached = true
			e.readerGen++
			gen := e.readerGen
			e.curData = nil
			e.mu.Unlock()
			return ev.msgType, &MessageReader{kind: ev.msgType, eng: e, gen: gen}, nil
		default:
			continue
		}
	}
}

// readInto services a MessageReader.Read call: it drains any buffered
// tail of the last frame before pulling the decoder forward for more.
func (e *engine) readInto(ctx context.Context, r *MessageReader, p []byte) (int, error) {
	e.mu.Lock()
	if !(e.readerAttached && e.readerGen == r.gen) {
		e.mu.Unlock()
		return 0, ErrHandleDetached
	}
	if len(e.curData) > 0 {
		n := copy(p, e.curData)
		e.curData = e.curData[n:]
		e.mu.Unlock()
		return n, nil
	}
	e.mu.Unlock()

	ev, err := e.step(ctx)
	if err != nil {
		e.detachReader(r, true)
		return 0, err
	}
	switch ev.kind {
	case evMessageData:
		n := copy(p, ev.data)
		leftover := append([]byte(nil), ev.data[n:]...)
		e.mu.Lock()
		if e.readerAttached && e.readerGen == r.gen {
			e.curData = leftover
		}
		e.mu.Unlock()
		return n, nil
	case evMessageEnd:
		e.detachReader(r, false)
		return 0, io.EOF
	case evClose, evTerminal:
		e.detachReader(r, true)
		return 0, io.ErrUnexpectedEOF
	default:
		e.detachReader(r, true)
		return 0, ErrProtocolError
	}
}

// detachReader releases r's attachment. aborted marks a message that was
// abandoned before its MessageEnd event: the engine must then silently
// discard the rest of that message's frames so later reads stay aligned
// on message boundaries, matching the distilled spec's "drains and
// discards the remainder" rule for a dropped reader — reinterpreted for a
// pull-only engine as "discard lazily, the next time anything steps the
// decoder forward."
func (e *engine) detachReader(r *MessageReader, aborted bool) {
	e.mu.Lock()
	if e.readerAttached && e.readerGen == r.gen {
		if aborted {
			e.discarding = true
		}
		e.readerAttached = false
		e.curData = nil
	}
	e.mu.Unlock()
}

// messages lazily starts the single sanctioned background goroutine and
// returns a channel of IncomingMessage. Canceling ctx stops the goroutine
// and closes the channel.
func (e *engine) messages(ctx context.Context) <-chan IncomingMessage {
	e.messagesOnce.Do(func() {
		ch := make(chan IncomingMessage)
		e.messagesCh = ch
		go func() {
			defer close(ch)
			for {
				kind, r, err := e.nextReader(ctx)
				if err != nil {
					select {
					case ch <- IncomingMessage{Err: err}:
					case <-ctx.Done():
					}
					return
				}
				if r == nil {
					return
				}
				select {
				case ch <- IncomingMessage{Type: kind, Reader: r}:
				case <-ctx.Done():
					r.Close()
					return
				}
			}
		}()
	})
	return e.messagesCh
}

// ---- write side --------------------------------------------------------

func (e *engine) nextWriter(ctx context.Context, kind MessageType) (*MessageWriter, error) {
	e.mu.Lock()
	if err := e.terminalErrLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if e.writerAttached {
		e.mu.Unlock()
		return nil, ErrWriterInUse
	}
	if !e.closeSt.openForSending() {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.mu.Unlock()

	if err := e.writeMu.Lock(ctx); err != nil {
		return nil, err
	}
	err := e.enc.startMessage(kind)
	e.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.writerAttached = true
	e.writerGen++
	gen := e.writerGen
	e.mu.Unlock()

	return &MessageWriter{kind: kind, eng: e, gen: gen}, nil
}

func (e *engine) writerValid(w *MessageWriter) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writerAttached && e.writerGen == w.gen
}

func (e *engine) writeFrom(ctx context.Context, w *MessageWriter, p []byte) (int, error) {
	if !e.writerValid(w) {
		return 0, ErrHandleDetached
	}
	if err := e.writeMu.Lock(ctx); err != nil {
		return 0, err
	}
	defer e.writeMu.Unlock()
	n, err := e.enc.appendData(p)
	if err != nil {
		return n, e.latch(err)
	}
	return n, nil
}

func (e *engine) flushWriter(ctx context.Context, w *MessageWriter) error {
	if !e.writerValid(w) {
		return ErrHandleDetached
	}
	if err := e.writeMu.Lock(ctx); err != nil {
		return err
	}
	defer e.writeMu.Unlock()
	if e.enc.started && len(e.enc.buf) > 0 {
		if err := e.enc.flushStaged(false); err != nil {
			return e.latch(err)
		}
	}
	return nil
}

func (e *engine) closeWriter(ctx context.Context, w *MessageWriter) error {
	if !e.writerValid(w) {
		return nil
	}
	if err := e.writeMu.Lock(ctx); err != nil {
		return err
	}
	err := e.enc.endMessage()
	e.writeMu.Unlock()

	e.mu.Lock()
	e.writerAttached = false
	e.mu.Unlock()

	if err != nil {
		return e.latch(err)
	}
	return nil
}

// ---- control-frame plumbing --------------------------------------------

func (e *engine) sendPing() error {
	return e.writeControlFrame(opcodePing, nil)
}

func (e *engine) echoPong(payload []byte) error {
	return e.writeControlFrame(opcodePong, payload)
}

func (e *engine) writeControlFrame(opcode byte, payload []byte) error {
	if err := e.writeMu.Lock(context.Background()); err != nil {
		return err
	}
	defer e.writeMu.Unlock()
	e.enc.control.queue(opcode, payload)
	return e.enc.flushPendingControl()
}

func (e *engine) sendClose(payload closePayload) error {
	if err := e.writeMu.Lock(context.Background()); err != nil {
		return err
	}
	e.enc.control.queue(opcodeClose, payload.encode())
	err := e.enc.flushPendingControl()
	e.writeMu.Unlock()
	return err
}

// onReceivedClose runs the closeTracker transition for an incoming Close
// frame and, when the handshake now calls for it, echoes the peer's
// code/reason straight back (RFC 6455 Section 5.5.1).
func (e *engine) onReceivedClose(payload closePayload) error {
	e.mu.Lock()
	if rerr := e.closeSt.receive(payload); rerr != nil {
		e.mu.Unlock()
		return rerr
	}
	needEcho := e.closeSt.queued() && e.closeSt.openForSending()
	echoPayload := e.closeSt.payload
	e.mu.Unlock()

	if !needEcho {
		return nil
	}
	if err := e.sendClose(echoPayload); err != nil {
		return err
	}
	e.mu.Lock()
	e.closeSt.unqueue()
	e.mu.Unlock()
	return nil
}

// initiateClose starts (or idempotently no-ops on a repeat of) the local
// half of the closing handshake.
func (e *engine) initiateClose(ctx context.Context, code CloseCode, reason string) error {
	e.mu.Lock()
	if !e.closeSt.openForSending() {
		e.mu.Unlock()
		return nil
	}
	payload := closePayload{hasCode: true, code: code, reason: reason}
	e.closeSt.queueLocal(payload)
	e.mu.Unlock()

	if err := e.writeMu.Lock(ctx); err != nil {
		return err
	}
	e.enc.control.queue(opcodeClose, payload.encode())
	werr := e.enc.flushPendingControl()
	e.writeMu.Unlock()

	if werr != nil {
		return e.latch(werr)
	}

	e.mu.Lock()
	e.closeSt.unqueue()
	fullyClosed := e.closeSt.fullyClosed()
	if fullyClosed && e.state == stateOpen {
		e.state = stateClosedOK
	}
	e.mu.Unlock()
	return nil
}

// ---- terminal-state plumbing --------------------------------------------

func (e *engine) consumeErrLocked() error {
	if e.errTaken {
		return nil
	}
	e.errTaken = true
	return e.err
}

func (e *engine) terminalErrLocked() error {
	switch e.state {
	case stateClosedErr:
		if err := e.consumeErrLocked(); err != nil {
			return err
		}
		return ErrEngineClosed
	case stateClosedOK:
		return ErrEngineClosed
	default:
		return nil
	}
}

// latch records err as the engine's terminal condition the first time any
// caller observes a fatal error, logs it, and makes a best-effort attempt
// to notify the peer with an appropriate Close code. Later callers all
// see the same terminal state; only the first caller to latch gets to
// choose the code sent on the wire.
func (e *engine) latch(err error) error {
	e.mu.Lock()
	first := e.state == stateOpen
	if first {
		e.state = stateClosedErr
		e.err = err
	}
	e.mu.Unlock()

	if first {
		e.cfg.Logger.Warn().Err(err).Msg("websocket: connection closed with error")
		e.bestEffortCloseOnError(err)
	}
	return err
}

func (e *engine) bestEffortCloseOnError(err error) {
	code := errorCloseCode(err)
	if code == 0 {
		return
	}

	e.mu.Lock()
	canSend := e.closeSt.openForSending() && !e.closeSt.queued()
	if canSend {
		e.closeSt.queueLocal(closePayload{hasCode: true, code: CloseCode(code)})
	}
	e.mu.Unlock()
	if !canSend {
		return
	}

	if lerr := e.writeMu.Lock(context.Background()); lerr != nil {
		return
	}
	_ = e.enc.writeControl(opcodeClose, closePayload{hasCode: true, code: CloseCode(code)}.encode())
	e.writeMu.Unlock()

	e.mu.Lock()
	e.closeSt.unqueue()
	e.mu.Unlock()
}

// errorCloseCode maps an internal error to the RFC 6455 Close code an
// endpoint should send when that error latches the connection. Zero means
// "don't attempt to send anything" — the transport itself is presumed
// broken (plain I/O errors, EOF) so a write would just fail too.
func errorCloseCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidUTF8), errors.Is(err, ErrIncompleteUTF8):
		return int(CloseInvalidFramePayloadData)
	case errors.Is(err, ErrMessageTooLarge):
		return int(CloseMessageTooBig)
	case errors.Is(err, ErrProtocolError),
		errors.Is(err, ErrReservedBits),
		errors.Is(err, ErrInvalidOpcode),
		errors.Is(err, ErrControlFragmented),
		errors.Is(err, ErrControlTooLarge),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrUnexpectedContinuation),
		errors.Is(err, ErrUnexpectedFrameKind),
		errors.Is(err, ErrInvalidCloseBody),
		errors.Is(err, ErrMaskRequired),
		errors.Is(err, ErrMaskUnexpected),
		errors.Is(err, ErrTimeout):
		return int(CloseProtocolError)
	default:
		return 0
	}
}

// evTerminal signals that decoding has permanently stopped with no
// further event to deliver — either a clean close already observed, or a
// fatal error already surfaced to an earlier caller.
const evTerminal decodeEventKind = evMessageEnd + 1
