//go:build linux

package linux

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// URB transfer types for USBDEVFS_SUBMITURB, grounded on the teacher's
// constants.go.
const (
	urbTypeISO       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// URB flags.
const (
	urbShortNotOK  = 0x01
	urbISOAsap     = 0x02
	urbZeroPacket  = 0x40
	urbNoInterrupt = 0x80
)

const urbStatusInProgress = -115 // EINPROGRESS, while a submitted URB is outstanding

// urb mirrors the kernel's struct usbdevfs_urb layout for async submit/reap.
// Field order and widths must match exactly; this is unsafe.Pointer'd
// straight into an ioctl argument.
type urb struct {
	typ          uint8
	endpoint     uint8
	status       int32
	flags        uint32
	buffer       uintptr
	bufferLength int32
	actualLength int32
	startFrame   int32
	streamID     uint32
	errorCount   int32
	signr        uint32
	userContext  uintptr
}

// ctrlTransfer mirrors struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	data        uintptr
}

// bulkTransfer mirrors struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32
	data     uintptr
}

// connectInfo mirrors struct usbdevfs_connectinfo.
type connectInfo struct {
	devnum uint32
	slow   uint8
}

// openUSBDevice opens a usbfs device node for async I/O.
func openUSBDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

// closeUSBDevice closes a usbfs device node.
func closeUSBDevice(fd int) error {
	return unix.Close(fd)
}

// claimInterface claims exclusive kernel access to an interface so bulk
// transfers can be submitted against it.
func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlClaimInterface, uintptr(unsafe.Pointer(&n)))
	if errno != 0 {
		return errno
	}
	return nil
}

// releaseInterface releases a previously claimed interface.
func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlReleaseInterface, uintptr(unsafe.Pointer(&n)))
	if errno != 0 {
		return errno
	}
	return nil
}

// resetDevice issues USBDEVFS_RESET, used when a device stops responding
// after repeated stalls.
func resetDevice(fd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlReset, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// resetEndpoint issues USBDEVFS_RESETEP, clearing a stalled endpoint's halt
// condition without tearing down the whole device.
func resetEndpoint(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlResetEP, uintptr(unsafe.Pointer(&ep)))
	if errno != 0 {
		return errno
	}
	return nil
}

// getConnectInfo retrieves the device number and low-speed flag usbfs
// assigned this handle.
func getConnectInfo(fd int) (connectInfo, error) {
	var info connectInfo
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlConnectInfo, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return connectInfo{}, errno
	}
	return info, nil
}

// submitURB queues u for asynchronous processing. The kernel takes no
// reference-counted ownership of u; the caller must keep it (and its
// buffer) alive and unmoved until the matching reap.
func submitURB(fd int, u *urb) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlSubmitURB, uintptr(unsafe.Pointer(u)))
	if errno != 0 {
		return errno
	}
	return nil
}

// reapURBNDelay retrieves one completed URB without blocking. Returns
// unix.EAGAIN if nothing has completed yet; the caller should treat that as
// "nothing to do this tick", not an error.
func reapURBNDelay(fd int) (*urb, error) {
	var ptr *urb
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlReapURBNDelay, uintptr(unsafe.Pointer(&ptr)))
	if errno != 0 {
		return nil, errno
	}
	return ptr, nil
}

// discardURB cancels a pending URB. The kernel still delivers a completion
// for it (with status ECONNRESET) through the normal reap path.
func discardURB(fd int, u *urb) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlDiscardURB, uintptr(unsafe.Pointer(u)))
	if errno != 0 {
		return errno
	}
	return nil
}

// newBulkOutURB builds a URB for a bulk OUT submission. buf must outlive
// the URB through completion; SubmitOut in transport.go pins it in the
// pending-transfer table for exactly that reason.
func newBulkOutURB(endpoint uint8, buf []byte, context uintptr) *urb {
	u := &urb{
		typ:         urbTypeBulk,
		endpoint:    endpoint,
		userContext: context,
	}
	u.bufferLength = int32(len(buf))
	if len(buf) > 0 {
		u.buffer = uintptr(unsafe.Pointer(&buf[0]))
	}
	return u
}

func isNoDevice(err error) bool { return err == unix.ENODEV }
func isAgain(err error) bool    { return err == unix.EAGAIN }
func isPipe(err error) bool     { return err == unix.EPIPE }
func isBusy(err error) bool     { return err == unix.EBUSY }
