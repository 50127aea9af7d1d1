package websocket

import "unicode/utf8"

// utf8Result is the outcome of feeding a chunk of bytes to a utf8Validator.
type utf8Result int

const (
	// utf8Valid means everything fed so far decodes cleanly and, if this
	// was the final chunk, left no dangling partial sequence.
	utf8Valid utf8Result = iota

	// utf8Invalid means some byte sequence fed so far can never be
	// completed into valid UTF-8 (RFC 6455 Section 8.1 violation).
	utf8Invalid

	// utf8Incomplete means the final chunk ended mid-codepoint: the bytes
	// seen so far are a valid prefix of some UTF-8 sequence, but it was
	// never finished.
	utf8Incomplete
)

// utf8Validator incrementally validates UTF-8 across frame boundaries.
//
// A text message's payload is the concatenation of every data frame's
// bytes; validating each frame in isolation would reject a multi-byte
// codepoint that a fragment boundary happens to split. The validator
// carries the undecoded tail of the previous chunk (at most 3 bytes,
// since no UTF-8 sequence is longer than 4 bytes) into the next feed.
//
// Grounded on the distilled spec's C6 component and message decoder
// (feed across frames, Incomplete only legal on the final frame); the
// decoding primitives come from the standard library's unicode/utf8,
// consistent with the teacher's reliance on that package in conn.go.
type utf8Validator struct {
	pending []byte // undecoded trailing bytes carried from the previous feed
}

// reset clears carried state. Called at the start of every new text message.
func (v *utf8Validator) reset() {
	v.pending = v.pending[:0]
}

// feed validates the next chunk of a text message's bytes.
//
// isFinal must be true exactly when chunk is the payload of the frame
// with FIN=1 that ends the message; feed then requires no pending partial
// sequence to remain (I6).
func (v *utf8Validator) feed(chunk []byte, isFinal bool) utf8Result {
	buf := chunk
	if len(v.pending) > 0 {
		buf = append(append([]byte(nil), v.pending...), chunk...)
		v.pending = v.pending[:0]
	}

	for len(buf) > 0 {
		r, size := utf8.DecodeRune(buf)
		switch {
		case r != utf8.RuneError:
			buf = buf[size:]
		case size == 1:
			// DecodeRune reports a genuine encoding error (as opposed to
			// "not enough bytes yet") by returning size 1 alongside
			// RuneError, unless buf is itself too short to tell.
			if !couldBeIncomplete(buf) {
				return utf8Invalid
			}
			v.pending = append(v.pending, buf...)
			buf = nil
		default:
			buf = buf[size:]
		}
	}

	if len(v.pending) == 0 {
		return utf8Valid
	}
	if isFinal {
		return utf8Incomplete
	}
	return utf8Valid
}

// couldBeIncomplete reports whether buf looks like the start of a
// multi-byte UTF-8 sequence that simply hasn't been fully read yet, as
// opposed to a byte sequence that is malformed no matter what follows.
func couldBeIncomplete(buf []byte) bool {
	if len(buf) == 0 || len(buf) >= 4 {
		return false
	}
	lead := buf[0]
	var want int
	switch {
	case lead&0xE0 == 0xC0:
		want = 2
	case lead&0xF0 == 0xE0:
		want = 3
	case lead&0xF8 == 0xF0:
		want = 4
	default:
		return false
	}
	if len(buf) >= want {
		return false
	}
	for _, b := range buf[1:] {
		if b&0xC0 != 0x80 {
			return false
		}
	}
	return true
}
