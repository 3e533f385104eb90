// Package fc implements the device.Driver for Fadecandy USB LED
// controllers: double-buffered framebuffer submission, LUT upload, and
// firmware config packets framed exactly as original_source/firmware/fc_usb.cpp
// expects them. Grounded on the teacher's host.Device for the
// attach/transfer-pool shape, adapted from a generic USB device to this
// one controller family's wire format.
package fc

// Control-byte layout shared by every packet type this driver emits,
// ground truth fc_usb.cpp: bits 0xC0 select type, bit 0x20 is the
// final-packet flag, bits 0x1F carry the packet index.
const (
	typeBits  = 0xC0
	finalBit  = 0x20
	indexBits = 0x1F

	typeFramebuffer = 0x00
	typeLUT         = 0x40
	typeConfig      = 0x80
)

// packetSize is the fixed usbfs bulk OUT transfer size for every packet
// this driver emits.
const packetSize = 64

// pixelsPerPacket is 21: one control byte plus 21 pixel triplets (8-bit
// R,G,B each) fills the 64-byte packet exactly (1 + 21*3 = 64).
const pixelsPerPacket = 21

// defaultPixelCount is the nominal maximum LED count per device, matching
// the original firmware's OctoWS2811-derived buffer; configurable per
// device at attach time via Option.
const defaultPixelCount = 512

// lutEntriesPerChannel is 257: the table is addressed by an 8-bit input
// plus one fractional lerp step the firmware performs itself.
const lutEntriesPerChannel = 257

// lutChannels is 3 (R, G, B); lutTotalEntries is 257*3.
const lutChannels = 3
const lutTotalEntries = lutEntriesPerChannel * lutChannels

// lutBytesPerPacket is 63: one control byte leaves 63 payload bytes per
// 64-byte LUT packet, carrying raw big-endian uint16 table entries.
const lutBytesPerPacket = packetSize - 1

// controlByte builds one packet's header byte.
func controlByte(typ uint8, index int, final bool) byte {
	b := typ & typeBits
	if final {
		b |= finalBit
	}
	b |= byte(index) & indexBits
	return b
}

// firmware config bitfield, ground truth fc_usb.cpp's flags byte,
// renamed per SPEC_FULL.md 4.3 to avoid exposing firmware identifiers
// verbatim.
const (
	flagNoDithering     = 1 << 0
	flagNoInterpolation = 1 << 1
	flagLEDDisable      = 1 << 2
)

func configFlags(dithering, interpolation, ledEnable bool) byte {
	var f byte
	if !dithering {
		f |= flagNoDithering
	}
	if !interpolation {
		f |= flagNoInterpolation
	}
	if !ledEnable {
		f |= flagLEDDisable
	}
	return f
}
