package websocket

import "context"

// MessageReader reads the bytes of a single incoming message. It is the
// Go expansion of the distilled spec's C10 "Handle objects": rather than
// the original's bespoke poll-based reader type, it implements io.Reader
// directly so callers can use io.Copy, encoding/json.Decoder, or any
// other stdlib consumer against it.
//
// Only one MessageReader is attached to a connection at a time (I1); a
// second call to (*Conn).NextReader before this one reaches io.EOF
// returns ErrReaderInUse. Dropping a MessageReader without reading it to
// completion is legal: the engine discards the remainder of that message
// on its own the next time anything drives the connection forward.
type MessageReader struct {
	kind MessageType
	eng  *engine
	gen  uint64
}

// Type reports whether the message is Text or Binary.
func (r *MessageReader) Type() MessageType {
	return r.kind
}

// Read implements io.Reader, blocking until more message data arrives,
// the message ends (io.EOF), the connection closes mid-message
// (io.ErrUnexpectedEOF), or a fatal connection error occurs.
func (r *MessageReader) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

// ReadContext is Read with an explicit, cancelable context.
func (r *MessageReader) ReadContext(ctx context.Context, p []byte) (int, error) {
	return r.eng.readInto(ctx, r, p)
}

// Close abandons the reader. It is a no-op if the message has already
// been fully read or the reader was already detached.
func (r *MessageReader) Close() error {
	r.eng.detachReader(r, true)
	return nil
}

// MessageWriter writes the bytes of a single outgoing message. Writes are
// staged and automatically fragmented into frames no larger than the
// encoder's staging buffer; Close finalizes the message with the RFC 6455
// FIN bit set.
//
// Only one MessageWriter is attached to a connection at a time (I1).
type MessageWriter struct {
	kind MessageType
	eng  *engine
	gen  uint64
}

// Type reports whether the message being written is Text or Binary.
func (w *MessageWriter) Type() MessageType {
	return w.kind
}

// Write implements io.Writer.
func (w *MessageWriter) Write(p []byte) (int, error) {
	return w.WriteContext(context.Background(), p)
}

// WriteContext is Write with an explicit, cancelable context.
func (w *MessageWriter) WriteContext(ctx context.Context, p []byte) (int, error) {
	return w.eng.writeFrom(ctx, w, p)
}

// Flush forces any staged-but-unsent bytes onto the wire as a
// non-final (fin=false) frame, without ending the message.
func (w *MessageWriter) Flush() error {
	return w.FlushContext(context.Background())
}

// FlushContext is Flush with an explicit, cancelable context.
func (w *MessageWriter) FlushContext(ctx context.Context) error {
	return w.eng.flushWriter(ctx, w)
}

// Close finalizes the message with fin=1. It is idempotent: calling it a
// second time, or after the writer was otherwise superseded, is a no-op.
func (w *MessageWriter) Close() error {
	return w.CloseContext(context.Background())
}

// CloseContext is Close with an explicit, cancelable context.
func (w *MessageWriter) CloseContext(ctx context.Context) error {
	return w.eng.closeWriter(ctx, w)
}
