// Package dmx implements the device.Driver for Enttec-style DMX-512 USB
// adapters: a single 24-channel array, batched and coalesced rather than
// double-buffered, framed with a fixed header/trailer per the adapter's
// wire protocol. Grounded on the uvgroovy dmx reference file's framing
// shape, adapted to this bridge's device.Device contract.
package dmx

// channelCount is the number of DMX-512 channels this driver manages.
const channelCount = 24

// Frame layout: 6-byte header (start code + 16-bit little-endian length,
// padded to 6 for the adapter's fixed preamble) + channelCount channel
// bytes + 1 trailer byte.
const (
	startCode   = 0x7E
	trailerByte = 0xE7
	headerSize  = 6
	frameSize   = headerSize + channelCount + 1
)

func buildFrame(channels [channelCount]byte) []byte {
	frame := make([]byte, frameSize)
	frame[0] = startCode
	frame[1] = byte(channelCount)
	frame[2] = byte(channelCount >> 8)
	// frame[3:6] reserved, zero.
	copy(frame[headerSize:headerSize+channelCount], channels[:])
	frame[frameSize-1] = trailerByte
	return frame
}

// outEndpoint is the adapter's single bulk OUT endpoint.
const outEndpoint = 0x02

// Enttec Open DMX USB and common FTDI-based clones share this VID:PID.
const (
	vendorID  = 0x0403
	productID = 0x6001
)
