// Package device defines the contract every LED/DMX driver implements
// (the Device Driver Layer): attach from a hotplug arrive, accept pixel
// writes and color-correction from the mapping engine, flush pending
// state before the event loop yields, and tear down on USB error or
// hotplug leave. Grounded in shape on the teacher's host.Device plus the
// D interface style of the gopushpixels reference device package, but
// specialized to this bridge's two concrete drivers instead of a
// generic network-device abstraction.
package device

import "github.com/ferrouswheel/fadecandy/internal/usb"

// Pixel is one RGB sample, 8 bits per component, as carried on the OPC
// wire and as WritePixels receives it.
type Pixel struct {
	R, G, B uint8
}

// ColorScale is a per-channel multiplier applied during color
// correction, in [0, 1].
type ColorScale struct {
	R, G, B float64
}

// Description identifies a device for logs and mapping selectors.
type Description struct {
	Type   string
	Serial string
}

// Device is the live, attached form of one hotplugged pixel output
// device -- a Fadecandy controller or a DMX adapter.
type Device interface {
	// WritePixels copies pixels into the device's back buffer starting
	// at offset. Best-effort and non-blocking: if a transfer is already
	// in flight, the write lands in the buffer that will be submitted
	// next, silently overwriting whatever was there (intentional frame
	// dropping under backpressure).
	WritePixels(offset int, pixels []Pixel)

	// PixelCount reports how many pixels this device accepts, for
	// mapping-engine bounds checks.
	PixelCount() int

	// SetGlobalColorCorrection latches a new (scale, gamma) tuple. The
	// device uploads or applies it asynchronously; the call itself
	// never blocks.
	SetGlobalColorCorrection(scale ColorScale, gamma float64)

	// SetFirmwareConfig latches firmware behavior flags. DMX devices
	// ignore this; it is a no-op for them.
	SetFirmwareConfig(dithering, interpolation, ledEnable bool)

	// Flush requests that any pending, not-yet-submitted state be
	// submitted before control returns to the event loop. Drivers that
	// submit eagerly on every write may treat this as a no-op.
	Flush()

	// Describe identifies the device for logging and mapping.
	Describe() Description

	// ConfigureMap installs this device's compiled config "map" rows, if
	// any. FC devices treat this as a no-op -- their pixel routing is
	// expressed entirely as pixel-range MapEntry values in the mapping
	// engine. DMX devices use it to build their per-pixel/per-component
	// channel assignment, which the mapping engine has no notion of.
	ConfigureMap(rows []MapRow)

	// BusAddress reports the underlying USB bus/address tuple, used by
	// DeviceTable to reject duplicate attaches.
	BusAddress() (bus, address uint8)

	// Terminated reports whether a USB error or hotplug leave has
	// already torn this device down.
	Terminated() bool

	// Close releases the device's transfer pool and marks it
	// Terminated. Idempotent.
	Close()
}

// Driver matches newly attached USB devices against a concrete Device
// implementation and constructs one.
type Driver interface {
	// Matches reports whether this driver recognizes the given
	// vendor/product pair.
	Matches(vendor, product uint16) bool

	// Attach constructs a Device bound to the given transport handle.
	// Called once per hotplug arrive that Matches selected.
	Attach(tr usb.Transport, info usb.DeviceInfo) (Device, error)
}

// Drivers is the ordered table CORE consults on hotplug arrive, first
// match wins. Populated at package init() by the concrete driver
// packages registering themselves via Register -- a plain slice, no
// reflection, no plugin loading.
var Drivers []Driver

// Register appends d to the driver table. Concrete driver packages call
// this from their own init() so cmd/fcserver's import of both driver
// packages is sufficient to populate the table in a deterministic order.
// Go runs package init in import-path order, so dmx registers before fc;
// FC is not consulted first. The two drivers match disjoint
// vendor/product pairs, so the order does not change which driver
// attaches a device.
func Register(d Driver) {
	Drivers = append(Drivers, d)
}

// MapRow is one compiled row of a device's "map" config entry. Its field
// meanings differ by device type, per SPEC_FULL.md 6:
//   - fadecandy: [opcChannel, firstOpcPixel, firstDevicePixel, pixelCount]
//     -- OPCChannel, SrcStart, DstStart, Count as named; Component is -1.
//   - enttec: [opcChannel, opcPixel, component, dmxChannel] -- OPCChannel,
//     SrcStart (the OPC pixel), Component (0=R, 1=G, 2=B), and DstStart
//     (the 1-based DMX channel number) as named; Count is always 1.
type MapRow struct {
	OPCChannel int
	SrcStart   int
	DstStart   int
	Count      int
	Component  int
}

// Binding is a config-compiled device selector: CORE matches it against
// a hotplug arrival by Type and a Serial prefix (empty Serial matches
// any), then uses MapRows and the color tuple to build that device's
// live mapping entries and initial color correction.
type Binding struct {
	Type       string
	Serial     string
	Gamma      float64
	Whitepoint [3]float64
	MapRows    []MapRow
}

// Matches reports whether a device's type tag and serial satisfy this
// binding's type and serial selector. typeTag is the driver-reported "fc"/"dmx"
// tag from Description.Type.
func (b Binding) Matches(typeTag, serial string) bool {
	wantType := "fc"
	if b.Type == "enttec" {
		wantType = "dmx"
	}
	if typeTag != wantType {
		return false
	}
	if b.Serial == "" {
		return true
	}
	return len(serial) >= len(b.Serial) && serial[:len(b.Serial)] == b.Serial
}
