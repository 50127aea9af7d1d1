package websocket

import (
	"time"

	"github.com/rs/zerolog"
)

// hardMaxFramePayload is the implementation ceiling no Config can exceed,
// matching the distilled spec's 2^30-byte cap (4.1).
const hardMaxFramePayload = 1 << 30

// Config configures a connection engine. The zero value is valid and
// applies every default.
//
// Config is this expansion's name for the distilled spec's "Engine
// configuration" (6.). Mask/PingInterval/MaxFramePayload correspond
// directly to the distilled spec's mask/timeout/max_frame_payload
// options; Logger is the ambient-stack addition described in
// SPEC_FULL.md's AMBIENT STACK section.
type Config struct {
	// Mask selects client role (true, every outgoing frame is masked) or
	// server role (false, RFC 6455 Section 5.1 forbids masking).
	Mask bool

	// PingInterval is the keepalive interval: how long the engine waits
	// for any incoming frame before sending a Ping, and how long it then
	// waits for a Pong before latching ErrTimeout. Zero selects the
	// default (10s); a negative duration disables keepalive entirely.
	PingInterval time.Duration

	// MaxFramePayload rejects data frames whose header declares a longer
	// payload. Zero selects the default (32 MiB); values above 2^30 are
	// clamped down to the implementation ceiling.
	MaxFramePayload uint64

	// Logger receives structured lifecycle events (keepalive pings,
	// close handshake progress, latched errors). The zero value
	// (zerolog.Logger{}) behaves like zerolog.Nop(): the engine never
	// panics on an unconfigured logger, it is simply silent.
	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	} else if c.PingInterval < 0 {
		c.PingInterval = 0 // explicit negative disables keepalive; internally 0 means "off"
	}
	switch {
	case c.MaxFramePayload == 0:
		c.MaxFramePayload = maxFramePayload
	case c.MaxFramePayload > hardMaxFramePayload:
		c.MaxFramePayload = hardMaxFramePayload
	}
	return c
}
