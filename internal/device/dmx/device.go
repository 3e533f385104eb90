package dmx

import (
	"github.com/ferrouswheel/fadecandy/internal/device"
	"github.com/ferrouswheel/fadecandy/internal/pkg"
	"github.com/ferrouswheel/fadecandy/internal/usb"
)

// ChannelMap overrides the default pixel-to-channel mapping: entry 3p+c
// gives the DMX channel (1..24, 0 meaning unmapped) that component c
// (0=R, 1=G, 2=B) of pixel p lands on. When nil, pixel p occupies channels 3p, 3p+1, 3p+2
// (0-indexed) for R, G, B per SPEC_FULL.md 4.2.2's default.
type ChannelMap []int

// Device is a single Enttec-style DMX-512 adapter: one 24-channel array,
// coalesced rather than double-buffered since the protocol's 250kbit
// line rate makes "use the latest state on the next transfer" always
// fast enough to keep up.
type Device struct {
	tr     usb.Transport
	handle usb.Handle
	bus    uint8
	addr   uint8
	serial string

	channels     [channelCount]byte
	dirty        bool
	inFlight     bool
	terminated   bool
	channelMap   ChannelMap
	scale        device.ColorScale
}

// New constructs a Device bound to a transport handle.
func New(tr usb.Transport, info usb.DeviceInfo, channelMap ChannelMap) *Device {
	return &Device{
		tr:         tr,
		handle:     info.Handle,
		bus:        info.Bus,
		addr:       info.Address,
		serial:     info.Serial,
		channelMap: channelMap,
		scale:      device.ColorScale{R: 1, G: 1, B: 1},
	}
}

func (d *Device) PixelCount() int { return channelCount / 3 }

func (d *Device) BusAddress() (uint8, uint8) { return d.bus, d.addr }

func (d *Device) Terminated() bool { return d.terminated }

func (d *Device) Describe() device.Description {
	return device.Description{Type: "dmx", Serial: d.serial}
}

// WritePixels applies color correction host-side (no gamma, scale-only
// per SPEC_FULL.md 4.2.3) and sets the corresponding channel bytes.
func (d *Device) WritePixels(offset int, pixels []device.Pixel) {
	if d.terminated {
		return
	}
	for i, p := range pixels {
		pixelIdx := offset + i
		r, g, b := d.channelsFor(pixelIdx)
		if r >= 0 {
			d.channels[r] = scaleComponent(p.R, d.scale.R)
		}
		if g >= 0 {
			d.channels[g] = scaleComponent(p.G, d.scale.G)
		}
		if b >= 0 {
			d.channels[b] = scaleComponent(p.B, d.scale.B)
		}
	}
	d.dirty = true
	d.advance()
}

// channelsFor resolves pixelIdx's three channel indices, -1 meaning
// unmapped/out of range.
func (d *Device) channelsFor(pixelIdx int) (r, g, b int) {
	if d.channelMap != nil {
		base := pixelIdx * 3
		if base+2 >= len(d.channelMap) {
			return -1, -1, -1
		}
		return d.channelMap[base] - 1, d.channelMap[base+1] - 1, d.channelMap[base+2] - 1
	}
	base := pixelIdx * 3
	if base+2 >= channelCount {
		return -1, -1, -1
	}
	return base, base + 1, base + 2
}

func scaleComponent(v uint8, scale float64) byte {
	scaled := float64(v) * scale
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return byte(scaled)
}

// SetGlobalColorCorrection applies scale host-side; gamma is ignored per
// SPEC_FULL.md 4.2.3 (DMX fixtures have no LUT to upload).
func (d *Device) SetGlobalColorCorrection(scale device.ColorScale, gamma float64) {
	d.scale = scale
}

// SetFirmwareConfig is a no-op: DMX adapters have no dithering,
// interpolation, or LED-enable firmware flags.
func (d *Device) SetFirmwareConfig(dithering, interpolation, ledEnable bool) {}

// ConfigureMap installs the per-pixel/per-component channel assignment
// compiled from this device's enttec "map" rows (§6): row.SrcStart is
// the OPC pixel index, row.Component selects R/G/B (0/1/2), and
// row.DstStart is the 1-based DMX channel it lands on. Rows with
// Component outside [0,2] (an FC-shaped row reaching a DMX binding by
// config error) are ignored. An empty rows list leaves the device's
// existing channel map (the constructor's, or none for the sequential
// default) untouched.
func (d *Device) ConfigureMap(rows []device.MapRow) {
	if len(rows) == 0 {
		return
	}
	maxPixel := 0
	for _, r := range rows {
		if r.Component < 0 || r.Component > 2 {
			continue
		}
		if r.SrcStart > maxPixel {
			maxPixel = r.SrcStart
		}
	}
	cm := make(ChannelMap, (maxPixel+1)*3)
	for _, r := range rows {
		if r.Component < 0 || r.Component > 2 {
			continue
		}
		cm[r.SrcStart*3+r.Component] = r.DstStart
	}
	d.channelMap = cm
}

func (d *Device) Flush() {
	d.advance()
}

func (d *Device) Close() {
	if d.terminated {
		return
	}
	d.tr.CancelAll(d.handle)
	d.terminated = true
}

func (d *Device) advance() {
	if d.terminated || d.inFlight || !d.dirty {
		return
	}
	d.submit()
}

func (d *Device) submit() {
	d.dirty = false
	d.inFlight = true
	frame := buildFrame(d.channels)
	_, err := d.tr.SubmitOut(d.handle, outEndpoint, frame, d.onComplete)
	if err != nil {
		d.inFlight = false
		d.dirty = true
		if err == pkg.ErrNoDevice {
			d.handleFatal()
		}
	}
}

func (d *Device) onComplete(_ usb.TransferID, status pkg.TransferStatus, _ int) {
	d.inFlight = false
	if status != pkg.StatusOK {
		d.handleFatal()
		return
	}
	d.advance()
}

func (d *Device) handleFatal() {
	pkg.Warnf(pkg.ComponentDevice, "dmx %s: transfer failed, terminating", d.serial)
	d.tr.CancelAll(d.handle)
	d.terminated = true
}

var _ device.Device = (*Device)(nil)
