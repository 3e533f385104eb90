//go:build linux

package linux

import (
	"bytes"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ferrouswheel/fadecandy/internal/usb"
)

// ueventAction is the udev ACTION= field of a parsed netlink uevent.
type ueventAction uint8

const (
	ueventUnknown ueventAction = iota
	ueventAdd
	ueventRemove
)

// parsedUevent is the handful of ACTION/DEVPATH/SUBSYSTEM/DEVTYPE fields
// this bridge needs out of a udev broadcast; grounded on the teacher's
// uevent struct, trimmed to what usb device add/remove filtering uses.
type parsedUevent struct {
	action    ueventAction
	devpath   string
	subsystem string
	devtype   string
}

// hotplugMonitor reads the kernel's udev netlink broadcast and surfaces
// USB device arrive/leave events. Grounded on the teacher's
// hotplugMonitor, rebuilt on x/sys/unix socket primitives and reporting
// usb.HotplugEvent directly instead of an intermediate addCh/removeCh
// pair -- this bridge's poller invokes the callback synchronously from
// the single event-loop goroutine, so there is no cross-goroutine
// handoff to buffer.
type hotplugMonitor struct {
	fd int
	cb func(usb.HotplugEvent)
}

func newHotplugMonitor() (*hotplugMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, netlinkKObjectUEvent)
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &hotplugMonitor{fd: fd}, nil
}

func (h *hotplugMonitor) close() error {
	return unix.Close(h.fd)
}

func (h *hotplugMonitor) socketFD() int { return h.fd }

// onEvent registers the callback invoked for every arrive/leave this
// monitor recognizes.
func (h *hotplugMonitor) onEvent(cb func(usb.HotplugEvent)) {
	h.cb = cb
}

// processReady drains and handles every uevent currently buffered on the
// netlink socket; called from the poller's epoll callback once EPOLLIN
// fires for h.fd.
func (h *hotplugMonitor) processReady() {
	buf := make([]byte, ueventBufferSize)
	for {
		n, err := unix.Read(h.fd, buf)
		if err != nil || n <= 0 {
			return
		}
		h.handleRaw(buf[:n])
	}
}

func (h *hotplugMonitor) handleRaw(data []byte) {
	evt := parseUEvent(data)
	if evt.subsystem != "usb" || evt.devtype != "usb_device" {
		return
	}
	sysfsPath := filepath.Join(sysfsUSBPath, filepath.Base(evt.devpath))

	switch evt.action {
	case ueventAdd:
		info, ok := describeUSBDevice(sysfsPath)
		if !ok || h.cb == nil {
			return
		}
		h.cb(usb.HotplugEvent{Kind: usb.HotplugArrive, Info: info})
	case ueventRemove:
		bus, addr, ok := parseSysfsDevicePath(sysfsPath)
		if !ok {
			// The sysfs node is usually already gone by the time remove
			// fires, so no leave is reported from here; the removed
			// device's usbfs descriptor reports EPOLLHUP/ENODEV, and
			// onDeviceReady raises the leave from that.
			return
		}
		if h.cb == nil {
			return
		}
		h.cb(usb.HotplugEvent{Kind: usb.HotplugLeave, Info: usb.DeviceInfo{Bus: bus, Address: addr}})
	}
}

// parseUEvent parses one netlink uevent datagram's NUL-separated
// ACTION@DEVPATH header line and KEY=VALUE body lines.
func parseUEvent(data []byte) parsedUevent {
	var evt parsedUevent
	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		s := string(line)
		idx := strings.IndexByte(s, '=')
		if idx < 0 {
			switch {
			case strings.HasPrefix(s, "add@"):
				evt.action = ueventAdd
				evt.devpath = s[4:]
			case strings.HasPrefix(s, "remove@"):
				evt.action = ueventRemove
				evt.devpath = s[7:]
			}
			continue
		}
		key, value := s[:idx], s[idx+1:]
		switch key {
		case "ACTION":
			switch value {
			case "add":
				evt.action = ueventAdd
			case "remove":
				evt.action = ueventRemove
			}
		case "DEVPATH":
			evt.devpath = value
		case "SUBSYSTEM":
			evt.subsystem = value
		case "DEVTYPE":
			evt.devtype = value
		}
	}
	return evt
}
