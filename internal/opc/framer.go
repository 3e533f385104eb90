package opc

import (
	"encoding/binary"

	"github.com/ferrouswheel/fadecandy/internal/pkg"
)

// headerSize is the fixed channel/command/length prefix of every OPC
// message: channel:u8, command:u8, length:u16-big-endian.
const headerSize = 4

// maxBufferedBytes caps how much a single connection's accumulator may
// grow before the connection is forcibly closed, matching the teacher's
// over-length policy: 8 bytes plus the protocol's maximum payload, four
// bytes of margin beyond one complete maximum-length message.
const maxBufferedBytes = 8 + MaxPayloadLength

// Framer accumulates bytes from one connection and extracts complete
// OPC messages. It holds no reference into caller-owned read buffers;
// Feed copies bytes into its own growable accumulator, satisfying the
// data model's "no Connection holds references into transient read
// buffers" invariant.
type Framer struct {
	buf []byte
}

// Feed appends data to the accumulator and returns every complete
// message now extractable, in wire order. Returns ErrOverLength (and an
// unusable Framer) once the accumulator would exceed maxBufferedBytes --
// the caller must close the connection.
func (f *Framer) Feed(data []byte) ([]Message, error) {
	f.buf = append(f.buf, data...)
	if len(f.buf) > maxBufferedBytes {
		return nil, pkg.ErrOverLength
	}

	var out []Message
	for {
		msg, n, ok := tryDecode(f.buf)
		if !ok {
			break
		}
		out = append(out, msg)
		f.buf = f.buf[n:]
	}
	return out, nil
}

// tryDecode attempts to decode one complete message from the front of
// buf, returning the message, the number of bytes it consumed, and
// whether a complete message was available.
func tryDecode(buf []byte) (Message, int, bool) {
	if len(buf) < headerSize {
		return Message{}, 0, false
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	total := headerSize + length
	if len(buf) < total {
		return Message{}, 0, false
	}
	payload := make([]byte, length)
	copy(payload, buf[headerSize:total])
	return Message{Channel: buf[0], Command: buf[1], Payload: payload}, total, true
}

// Encode renders m as wire bytes, used by tests and any future
// server-to-client status channel.
func Encode(m Message) []byte {
	out := make([]byte, headerSize+len(m.Payload))
	out[0] = m.Channel
	out[1] = m.Command
	binary.BigEndian.PutUint16(out[2:4], uint16(len(m.Payload)))
	copy(out[headerSize:], m.Payload)
	return out
}
