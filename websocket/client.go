package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// DialOptions configures a client-side WebSocket connection.
type DialOptions struct {
	// Header carries additional request headers (e.g. Authorization,
	// cookies) to send with the opening handshake.
	Header http.Header

	// Subprotocols is the client's requested subprotocol list, sent as
	// Sec-WebSocket-Protocol.
	Subprotocols []string

	// EngineConfig configures the connection engine created once the
	// handshake succeeds. Its Mask field is ignored and always forced to
	// true: RFC 6455 Section 5.1 requires a client to mask every frame.
	EngineConfig Config

	// TLSClientConfig is not consulted by Dial: wss:// URLs are rejected
	// with an error whether or not it is set.
	TLSClientConfig any // *tls.Config; kept as any to avoid importing crypto/tls when unused
}

// Dial connects to a WebSocket server at urlStr (ws://) and performs the
// RFC 6455 Section 4.1 opening handshake as a client. wss:// URLs are
// rejected with an error; Dial does not establish TLS connections.
//
// Grounded on the teacher's original test-only dial helper, promoted here
// into a production entry point: context-aware dialing via net.Dialer,
// a cryptographically random Sec-WebSocket-Key, and verification of the
// server's Sec-WebSocket-Accept against the value RFC 6455 Section 1.3
// requires, rather than trusting a 101 status code alone.
func Dial(ctx context.Context, urlStr string, opts *DialOptions) (*Conn, *http.Response, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, fmt.Errorf("websocket: parse url: %w", err)
	}

	var network string
	switch u.Scheme {
	case "ws":
		network = "tcp"
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), "80")
		}
	case "wss":
		return nil, nil, fmt.Errorf("websocket: wss:// requires a TLS-capable dialer not wired in this package")
	default:
		return nil, nil, fmt.Errorf("websocket: invalid scheme %q, want ws or wss", u.Scheme)
	}

	var d net.Dialer
	rawConn, err := d.DialContext(ctx, network, u.Host)
	if err != nil {
		return nil, nil, fmt.Errorf("websocket: dial: %w", err)
	}

	resp, reader, err := sendHandshake(rawConn, u, opts)
	if err != nil {
		_ = rawConn.Close()
		return nil, resp, err
	}

	cfg := opts.EngineConfig
	cfg.Mask = true
	conn := newConn(rawConn, reader, bufio.NewWriter(rawConn), false, cfg)
	return conn, resp, nil
}

func sendHandshake(rawConn net.Conn, u *url.URL, opts *DialOptions) (*http.Response, *bufio.Reader, error) {
	key, err := generateWebSocketKey()
	if err != nil {
		return nil, nil, err
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", u.Host)
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", key)
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	if len(opts.Subprotocols) > 0 {
		fmt.Fprintf(&req, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(opts.Subprotocols, ", "))
	}
	for name, values := range opts.Header {
		for _, v := range values {
			fmt.Fprintf(&req, "%s: %s\r\n", name, v)
		}
	}
	req.WriteString("\r\n")

	if _, err := rawConn.Write([]byte(req.String())); err != nil {
		return nil, nil, fmt.Errorf("websocket: write handshake: %w", err)
	}

	reader := bufio.NewReader(rawConn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodGet})
	if err != nil {
		return nil, nil, fmt.Errorf("websocket: read handshake response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return resp, nil, fmt.Errorf("websocket: handshake failed: status %d", resp.StatusCode)
	}
	if !headerContainsToken(resp.Header.Get("Upgrade"), "websocket") {
		return resp, nil, ErrMissingUpgrade
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return resp, nil, ErrMissingConnection
	}
	if want := computeAcceptKey(key); resp.Header.Get("Sec-WebSocket-Accept") != want {
		return resp, nil, fmt.Errorf("websocket: Sec-WebSocket-Accept mismatch")
	}

	return resp, reader, nil
}

func generateWebSocketKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("websocket: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
