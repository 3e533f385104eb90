//go:build linux

// Package linux implements the usb.Transport contract on top of the
// kernel's usbfs (async URB submit/reap) and udev/netlink hotplug
// broadcast, multiplexed through a single epoll instance. It is grounded
// on the teacher's host/hal/linux package, generalized from that
// package's embedded-ARM-host assumptions (fixed ioctl numbers, a
// worker-pool TransferManager) to a portable single-goroutine event loop
// that computes ioctl numbers from actual struct layouts instead of
// hardcoding a 32-bit pointer width.
package linux

// Sysfs/devfs locations for USB device discovery and transfer nodes.
const (
	sysfsUSBPath = "/sys/bus/usb/devices"
	devfsUSBPath = "/dev/bus/usb"
)

// Netlink protocol and buffer sizing for udev hotplug broadcast.
const (
	netlinkKObjectUEvent = 15 // NETLINK_KOBJECT_UEVENT
	ueventBufferSize     = 4096
)

// Epoll event flags (bit-identical to the kernel's, re-declared so this
// file reads standalone next to poller.go's use of x/sys/unix constants
// for the syscalls themselves).
const (
	epollIn  = 0x001
	epollErr = 0x008
	epollHup = 0x010
)

// maxEpollEvents bounds one epoll_wait call's event buffer.
const maxEpollEvents = 32

// maxResetPolls is a retry budget of 4000 event-loop ticks. No code path
// reads it: the drivers retry a submission that returns EBUSY/EAGAIN on
// every following tick without a limit, and a busy device never
// escalates to a fatal device error.
const maxResetPolls = 4000
