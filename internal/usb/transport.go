// Package usb defines the USB Transport Layer (UTL) contract: asynchronous
// enumerate/hotplug/submit/complete, with every callback guaranteed to run
// on the caller of Poll. It is grounded on the teacher's host.HostHAL
// interface and host.Transfer/TransferManager, adapted from a worker-pool
// model to the single-goroutine event loop this specification requires --
// there is exactly one caller of Poll, and it is also the only goroutine
// that ever observes a completion or hotplug callback.
package usb

import (
	"fmt"
	"time"

	"github.com/ferrouswheel/fadecandy/internal/pkg"
)

// Handle identifies an attached USB device to the transport. It is opaque
// to everything above this package; the concrete HAL implementation maps
// it to whatever native resource (usbfs file descriptor, in this repo's
// case) it needs.
type Handle uint32

// TransferID identifies one outstanding SubmitOut call.
type TransferID uint64

// DeviceInfo describes an attached device as reported by Enumerate or a
// hotplug arrive event.
type DeviceInfo struct {
	Bus     uint8
	Address uint8
	Vendor  uint16
	Product uint16
	Serial  string
	Handle  Handle
}

// String renders the bus/address/vid:pid tuple for logging.
func (d DeviceInfo) String() string {
	return fmt.Sprintf("bus=%d addr=%d %04x:%04x serial=%q", d.Bus, d.Address, d.Vendor, d.Product, d.Serial)
}

// HotplugKind distinguishes arrive from leave events.
type HotplugKind int

// Hotplug event kinds.
const (
	HotplugArrive HotplugKind = iota
	HotplugLeave
)

// HotplugEvent is delivered to the callback registered with OnHotplug.
// Initial enumeration is replayed as synthetic HotplugArrive events so
// upper layers have exactly one code path for "device is present".
type HotplugEvent struct {
	Kind HotplugKind
	Info DeviceInfo
}

// CompletionFunc is invoked when a submitted transfer completes, is
// cancelled, or fails. n is the number of bytes actually transferred
// (meaningful only when status is pkg.StatusOK).
type CompletionFunc func(id TransferID, status pkg.TransferStatus, n int)

// Transport is the USB Transport Layer contract. Every method, and every
// callback any method schedules, is only ever invoked from the goroutine
// that calls Poll -- that goroutine is the server's single event loop.
type Transport interface {
	// Enumerate lists currently attached devices.
	Enumerate() ([]DeviceInfo, error)

	// OnHotplug registers the single hotplug callback. A second call
	// replaces the first.
	OnHotplug(cb func(HotplugEvent))

	// SubmitOut submits a non-blocking OUT transfer. buf must remain
	// valid and unmodified until cb fires; the transport does not copy
	// it. Returns a transfer identifier, or a submission error (e.g.
	// pkg.ErrBusy) if the transfer could not be queued right now.
	SubmitOut(h Handle, endpoint uint8, buf []byte, cb CompletionFunc) (TransferID, error)

	// CancelAll cancels every outstanding transfer for h. Each
	// cancelled transfer's completion callback fires with
	// pkg.StatusCancelled before CancelAll returns.
	CancelAll(h Handle)

	// Close releases the transport's resources for h. The handle must
	// not be used afterward.
	Close(h Handle) error

	// Poll services readiness for up to timeout before returning. It is
	// the transport's only blocking primitive and the event loop's
	// single suspension point; a timeout of 0 polls once without
	// blocking. Hotplug and completion callbacks fire synchronously
	// from within Poll.
	Poll(timeout time.Duration) (int, error)

	// Shutdown releases every transport-wide resource (pollers,
	// hotplug monitors). Poll must not be called afterward.
	Shutdown() error
}
