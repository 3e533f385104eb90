package fc

import (
	"github.com/ferrouswheel/fadecandy/internal/device"
	"github.com/ferrouswheel/fadecandy/internal/pkg"
	"github.com/ferrouswheel/fadecandy/internal/usb"
)

// outEndpoint is the Fadecandy firmware's single bulk OUT endpoint,
// ground truth fc_usb.cpp's FC_OUT_ENDPOINT.
const outEndpoint = 0x01

// state is the per-device lifecycle defined by SPEC_FULL.md 4.2.1.
type state int

const (
	stateAttachedUnconfigured state = iota
	stateUploadingLUT
	stateReady
	stateFrameInFlight
	stateTerminated
)

// Device is a Fadecandy LED controller, double-buffered per
// SPEC_FULL.md's framebuffer discipline.
type Device struct {
	tr     usb.Transport
	handle usb.Handle
	bus    uint8
	addr   uint8
	serial string

	pixelCount int
	front      []device.Pixel
	back       []device.Pixel
	backDirty  bool

	state state

	scale device.ColorScale
	gamma float64
	// lutPending is true once a color-correction change has latched
	// and not yet started uploading.
	lutPending bool

	dithering, interpolation, ledEnable bool
	configPending                       bool

	pendingPackets [][]byte
	pendingIndex   int
	// uploadingLUT distinguishes which chain (LUT vs framebuffer) is
	// currently in flight, since both reuse pendingPackets/pendingIndex.
	uploadingLUT bool
	// retryPending latches a transient (busy) submission failure so the
	// next advance() -- typically driven by Flush() on the following
	// event-loop tick -- resumes the same chain at pendingIndex instead
	// of stalling until an unrelated write happens to retrigger it.
	retryPending bool
}

// Option configures a Device at attach time.
type Option func(*Device)

// WithPixelCount overrides defaultPixelCount for strips shorter or
// longer than the Fadecandy default.
func WithPixelCount(n int) Option {
	return func(d *Device) { d.pixelCount = n }
}

// New constructs a Device bound to a transport handle, used by the
// driver's Attach and directly by tests.
func New(tr usb.Transport, info usb.DeviceInfo, opts ...Option) *Device {
	d := &Device{
		tr:            tr,
		handle:        info.Handle,
		bus:           info.Bus,
		addr:          info.Address,
		serial:        info.Serial,
		pixelCount:    defaultPixelCount,
		scale:         device.ColorScale{R: 1, G: 1, B: 1},
		gamma:         1,
		interpolation: true,
		ledEnable:     true,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.front = make([]device.Pixel, d.pixelCount)
	d.back = make([]device.Pixel, d.pixelCount)
	return d
}

func (d *Device) PixelCount() int { return d.pixelCount }

func (d *Device) BusAddress() (uint8, uint8) { return d.bus, d.addr }

func (d *Device) Terminated() bool { return d.state == stateTerminated }

func (d *Device) Describe() device.Description {
	return device.Description{Type: "fc", Serial: d.serial}
}

func (d *Device) WritePixels(offset int, pixels []device.Pixel) {
	if d.state == stateTerminated {
		return
	}
	for i, p := range pixels {
		idx := offset + i
		if idx < 0 || idx >= len(d.back) {
			continue
		}
		d.back[idx] = p
	}
	d.backDirty = true
	d.advance()
}

func (d *Device) SetGlobalColorCorrection(scale device.ColorScale, gamma float64) {
	if d.state == stateTerminated {
		return
	}
	d.scale = scale
	d.gamma = gamma
	d.lutPending = true
	d.advance()
}

func (d *Device) SetFirmwareConfig(dithering, interpolation, ledEnable bool) {
	if d.state == stateTerminated {
		return
	}
	d.dithering, d.interpolation, d.ledEnable = dithering, interpolation, ledEnable
	d.configPending = true
	d.advance()
}

// ConfigureMap is a no-op: FC pixel routing is expressed entirely as
// pixel-range MapEntry values the mapping engine already resolves, not
// as device-local per-component channel assignment the way DMX needs.
func (d *Device) ConfigureMap(rows []device.MapRow) {}

func (d *Device) Flush() {
	d.advance()
}

func (d *Device) Close() {
	if d.state == stateTerminated {
		return
	}
	d.tr.CancelAll(d.handle)
	d.state = stateTerminated
}

// advance is the state machine's single re-entry point: called after
// every write, correction, config change, and transfer completion, it
// starts whatever work is currently latched and permitted by state.
func (d *Device) advance() {
	switch d.state {
	case stateAttachedUnconfigured:
		// First write attempt of any kind moves to UploadingLUT even if
		// the LUT itself is still the identity default -- the firmware
		// will not apply any framebuffer packet until a LUT has been
		// uploaded at least once.
		d.lutPending = true
		d.state = stateUploadingLUT
		d.submitLUT()

	case stateReady:
		if d.lutPending {
			d.state = stateUploadingLUT
			d.submitLUT()
			return
		}
		if d.configPending {
			d.submitConfig()
			return
		}
		if d.backDirty {
			d.submitFrame()
		}

	case stateUploadingLUT, stateFrameInFlight:
		if d.retryPending {
			d.retryPending = false
			d.submitNextPacket()
		}
		// Otherwise busy with an outstanding transfer; the completion
		// handler re-enters advance.

	case stateTerminated:
	}
}

func (d *Device) submitLUT() {
	table := buildLUT(d.scale, d.gamma)
	d.pendingPackets = lutPackets(table)
	d.pendingIndex = 0
	d.uploadingLUT = true
	d.lutPending = false
	d.submitNextPacket()
}

func (d *Device) submitFrame() {
	d.front, d.back = d.back, d.front
	d.backDirty = false
	d.state = stateFrameInFlight
	d.pendingPackets = framebufferPackets(d.front)
	d.pendingIndex = 0
	d.uploadingLUT = false
	d.submitNextPacket()
}

func (d *Device) submitConfig() {
	d.configPending = false
	pkt := configPacket(configFlags(d.dithering, d.interpolation, d.ledEnable))
	_, err := d.tr.SubmitOut(d.handle, outEndpoint, pkt, d.onConfigComplete)
	if err != nil {
		pkg.Warnf(pkg.ComponentDevice, "fc %s: config submit: %v", d.serial, err)
		d.configPending = true
	}
}

func (d *Device) submitNextPacket() {
	if d.pendingIndex >= len(d.pendingPackets) {
		d.onChainComplete()
		return
	}
	pkt := d.pendingPackets[d.pendingIndex]
	_, err := d.tr.SubmitOut(d.handle, outEndpoint, pkt, d.onPacketComplete)
	if err != nil {
		pkg.Warnf(pkg.ComponentDevice, "fc %s: packet submit: %v", d.serial, err)
		if err == pkg.ErrNoDevice {
			d.handleFatal()
			return
		}
		d.retryPending = true
	}
}

func (d *Device) onPacketComplete(_ usb.TransferID, status pkg.TransferStatus, _ int) {
	if status != pkg.StatusOK {
		d.handleFatal()
		return
	}
	d.pendingIndex++
	d.submitNextPacket()
}

func (d *Device) onConfigComplete(_ usb.TransferID, status pkg.TransferStatus, _ int) {
	if status != pkg.StatusOK {
		d.handleFatal()
		return
	}
	d.advance()
}

func (d *Device) onChainComplete() {
	wasLUT := d.uploadingLUT
	d.state = stateReady
	if wasLUT {
		pkg.Debugf(pkg.ComponentDevice, "fc %s: lut uploaded", d.serial)
	}
	d.advance()
}

func (d *Device) handleFatal() {
	pkg.Warnf(pkg.ComponentDevice, "fc %s: transfer failed, terminating", d.serial)
	d.tr.CancelAll(d.handle)
	d.state = stateTerminated
}

var _ device.Device = (*Device)(nil)
