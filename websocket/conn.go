package websocket

import (
	"bufio"
	"context"
	"encoding/json/v2"
	"io"
	"net"
	"sync"
	"unicode/utf8"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
)

// Conn represents a WebSocket connection (RFC 6455).
//
// Conn provides high-level methods for reading and writing whole
// messages, built on top of the lower-level per-message NextReader/
// NextWriter pair (mirroring bufio.Scanner-over-bufio.Reader in spirit)
// for callers that want to stream a message without buffering it
// entirely in memory.
//
// Example Usage:
//
//	conn, err := websocket.Upgrade(w, r, nil)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	msgType, data, err := conn.Read()
//	conn.WriteText("Hello, WebSocket!")
//	conn.WriteJSON(map[string]string{"status": "ok"})
type Conn struct {
	id     string
	conn   net.Conn
	eng    *engine
	logger zerolog.Logger

	// closeMu/closed track whether this Conn has already been closed
	// locally or has observed a clean close from the peer, independent
	// of the engine's own closeTracker algebra: this is the flag the
	// high-level Read/Write/Ping/Pong surface checks to fail fast with
	// ErrClosed instead of reaching into the engine on every call.
	closeMu sync.RWMutex
	closed  bool

	// writeMu serializes whole-message Write calls, so concurrent callers
	// wait for one another instead of failing with ErrWriterInUse.
	writeMu sync.Mutex
}

// newConn creates a new WebSocket connection (internal constructor).
// Called by Upgrade()/Dial() after a successful handshake.
func newConn(netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer, isServer bool, cfg Config) *Conn {
	id := shortuuid.New()
	logger := cfg.Logger.With().Str("conn_id", id).Bool("server", isServer).Logger()
	cfg.Logger = logger
	return &Conn{
		id:     id,
		conn:   netConn,
		eng:    newEngine(netConn, reader, writer, cfg),
		logger: logger,
	}
}

// ID returns the short, random identifier this connection was assigned on
// construction, suitable for correlating log lines and hub membership.
func (c *Conn) ID() string { return c.id }

func (c *Conn) isClosed() bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	return c.closed
}

func (c *Conn) markClosed() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}

// NextReader blocks until the next incoming message starts and returns a
// MessageReader positioned at its first byte. It returns (0, nil, nil)
// once the connection has closed cleanly, and a non-nil error for any
// other termination. Only one MessageReader may be outstanding at a time.
func (c *Conn) NextReader() (MessageType, *MessageReader, error) {
	return c.NextReaderContext(context.Background())
}

// NextReaderContext is NextReader with an explicit, cancelable context.
func (c *Conn) NextReaderContext(ctx context.Context) (MessageType, *MessageReader, error) {
	return c.eng.nextReader(ctx)
}

// NextWriter opens a new outgoing message of the given type. The caller
// must Close the returned MessageWriter to send the final frame.
func (c *Conn) NextWriter(kind MessageType) (*MessageWriter, error) {
	return c.NextWriterContext(context.Background(), kind)
}

// NextWriterContext is NextWriter with an explicit, cancelable context.
func (c *Conn) NextWriterContext(ctx context.Context, kind MessageType) (*MessageWriter, error) {
	return c.eng.nextWriter(ctx, kind)
}

// Messages returns a channel of incoming messages, starting exactly one
// background goroutine on first call (idempotent on later calls: every
// caller shares the same channel). This is the only API in the package
// that starts a goroutine which keeps decoding in the background; the
// Context variants only start a short-lived watcher for the duration of
// a read when given a cancelable context.
func (c *Conn) Messages(ctx context.Context) <-chan IncomingMessage {
	return c.eng.messages(ctx)
}

// Read reads the next complete message from the connection, buffering it
// fully in memory. It is built on NextReader + io.ReadAll.
//
// RFC 6455 Section 5.4: "A fragmented message consists of a single frame
// with the FIN bit clear and an opcode other than 0, followed by zero or
// more frames with the FIN bit clear and the opcode set to 0, and
// terminated by a single frame with the FIN bit set and an opcode of 0."
func (c *Conn) Read() (MessageType, []byte, error) {
	if c.isClosed() {
		return 0, nil, ErrClosed
	}
	kind, r, err := c.NextReader()
	if err != nil {
		return 0, nil, err
	}
	if r == nil {
		c.markClosed()
		return 0, nil, ErrClosed
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, nil, err
	}
	return kind, data, nil
}

// ReadText reads the next text message and returns it as a string.
// Returns ErrInvalidMessageType if the message is not text.
func (c *Conn) ReadText() (string, error) {
	msgType, data, err := c.Read()
	if err != nil {
		return "", err
	}
	if msgType != TextMessage {
		return "", ErrInvalidMessageType
	}
	return string(data), nil
}

// ReadJSON reads the next message and unmarshals it as JSON.
// Returns ErrInvalidMessageType if the message is not text.
func (c *Conn) ReadJSON(v any) error {
	msgType, data, err := c.Read()
	if err != nil {
		return err
	}
	if msgType != TextMessage {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(data, v)
}

// Write sends data as a single complete message, fragmenting internally
// only if data exceeds the encoder's staging buffer. It is built on
// NextWriter + Write + Close.
//
// Thread-Safety: safe for concurrent use; Write calls serialize on a
// Conn-level mutex. A Write that overlaps a MessageWriter obtained
// directly from NextWriter still returns ErrWriterInUse.
func (c *Conn) Write(messageType MessageType, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if messageType != TextMessage && messageType != BinaryMessage {
		return ErrInvalidMessageType
	}
	if messageType == TextMessage && !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	w, err := c.NextWriter(messageType)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// WriteText writes a text message. Returns ErrInvalidUTF8 if text
// contains invalid UTF-8.
func (c *Conn) WriteText(text string) error {
	return c.Write(TextMessage, []byte(text))
}

// WriteJSON marshals v to JSON and sends it as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(TextMessage, data)
}

// Ping sends a ping frame for keep-alive or latency measurement.
// Application data is optional (max 125 bytes per RFC 6455 Section 5.5).
//
// The engine already sends its own keepalive Pings on Config.PingInterval
// and echoes Pongs automatically; manual Ping is for application-driven
// heartbeats on top of that.
func (c *Conn) Ping(data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	return c.eng.writeControlFrame(opcodePing, data)
}

// Pong sends a pong frame, normally unnecessary since incoming Pings are
// answered automatically by the engine.
func (c *Conn) Pong(data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	return c.eng.writeControlFrame(opcodePong, data)
}

// Close sends a Close frame with CloseNormalClosure and closes the
// underlying transport. Idempotent.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode sends a Close frame carrying code/reason, then closes the
// transport. Per the distilled spec's Design Notes, this does not wait
// for the peer's answering Close before closing the socket. A second call
// after the first succeeds is a no-op.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	if !utf8.ValidString(reason) {
		return ErrInvalidUTF8
	}

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	err := c.eng.initiateClose(context.Background(), code, reason)
	c.logger.Debug().Int("code", int(code)).Str("reason", reason).Msg("websocket: close initiated")
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// LocalAddr returns the underlying transport's local address.
func (c *Conn) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// RemoteAddr returns the underlying transport's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}
