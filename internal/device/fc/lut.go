package fc

import (
	"math"

	"github.com/ferrouswheel/fadecandy/internal/device"
)

// buildLUT generates the lutTotalEntries table this driver uploads,
// ground truth original_source/firmware/hcolor.h's HColorF/lerp family:
// entry[i] = clamp16(((i/256.0)^gamma) * scale * 65535 + 0.5) for i in
// [0, 257) per channel. The host only builds the table; the firmware
// performs the lerp between adjacent entries and the temporal dithering.
func buildLUT(scale device.ColorScale, gamma float64) []uint16 {
	table := make([]uint16, lutTotalEntries)
	channelScale := [lutChannels]float64{scale.R, scale.G, scale.B}

	for ch := 0; ch < lutChannels; ch++ {
		base := ch * lutEntriesPerChannel
		for i := 0; i < lutEntriesPerChannel; i++ {
			x := float64(i) / 256.0
			v := math.Pow(x, gamma) * channelScale[ch] * 65535.0
			table[base+i] = clamp16(v + 0.5)
		}
	}
	return table
}

func clamp16(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 65535 {
		return 65535
	}
	return uint16(v)
}
