package fc

import "github.com/ferrouswheel/fadecandy/internal/device"

// framebufferPackets renders pixels (in strict scanline order) into a
// sequence of 64-byte packets, ceil(len(pixels)/21) of them, the last
// zero-padded and carrying the final-packet flag.
func framebufferPackets(pixels []device.Pixel) [][]byte {
	n := len(pixels)
	count := (n + pixelsPerPacket - 1) / pixelsPerPacket
	if count == 0 {
		count = 1
	}
	packets := make([][]byte, count)
	for i := 0; i < count; i++ {
		pkt := make([]byte, packetSize)
		pkt[0] = controlByte(typeFramebuffer, i, i == count-1)
		base := i * pixelsPerPacket
		for j := 0; j < pixelsPerPacket; j++ {
			idx := base + j
			off := 1 + j*3
			if idx >= n {
				break
			}
			p := pixels[idx]
			pkt[off] = p.R
			pkt[off+1] = p.G
			pkt[off+2] = p.B
		}
		packets[i] = pkt
	}
	return packets
}

// lutPackets serializes a lutTotalEntries-length table of 16-bit
// big-endian entries into 64-byte packets, ceil(771*2/63) = 25 of them.
func lutPackets(table []uint16) [][]byte {
	raw := make([]byte, len(table)*2)
	for i, v := range table {
		raw[i*2] = byte(v >> 8)
		raw[i*2+1] = byte(v)
	}
	count := (len(raw) + lutBytesPerPacket - 1) / lutBytesPerPacket
	packets := make([][]byte, count)
	for i := 0; i < count; i++ {
		pkt := make([]byte, packetSize)
		pkt[0] = controlByte(typeLUT, i, i == count-1)
		start := i * lutBytesPerPacket
		end := start + lutBytesPerPacket
		if end > len(raw) {
			end = len(raw)
		}
		copy(pkt[1:], raw[start:end])
		packets[i] = pkt
	}
	return packets
}

// configPacket builds the single firmware config packet. Ground truth
// fc_usb.cpp treats TYPE_CONFIG as always one packet, never final-flagged
// since it carries no sequence.
func configPacket(flags byte) []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = controlByte(typeConfig, 0, false)
	pkt[1] = flags
	return pkt
}
