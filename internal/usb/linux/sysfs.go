//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ferrouswheel/fadecandy/internal/usb"
)

// readSysfsAttr reads and trims a single sysfs attribute file, returning ""
// if it does not exist -- many attributes (serial, in particular) are
// legitimately absent on some devices.
func readSysfsAttr(devicePath, attr string) string {
	data, err := os.ReadFile(filepath.Join(devicePath, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func parseHexAttr(devicePath, attr string) uint16 {
	v, err := strconv.ParseUint(readSysfsAttr(devicePath, attr), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

func parseDecAttr(devicePath, attr string) uint8 {
	v, err := strconv.ParseUint(readSysfsAttr(devicePath, attr), 10, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

// parseSysfsDevicePath reads the bus/device numbers sysfs assigned a USB
// device directory (e.g. /sys/bus/usb/devices/1-1).
func parseSysfsDevicePath(devicePath string) (bus, addr uint8, ok bool) {
	if _, err := os.Stat(devicePath); err != nil {
		return 0, 0, false
	}
	bus = parseDecAttr(devicePath, "busnum")
	addr = parseDecAttr(devicePath, "devnum")
	return bus, addr, true
}

// describeUSBDevice reads the vendor/product/serial/bus/address tuple for
// one device directory under sysfsUSBPath, skipping entries with no
// idVendor attribute and root hubs (idVendor 1d6b is Linux Foundation).
func describeUSBDevice(devicePath string) (usb.DeviceInfo, bool) {
	vendor := readSysfsAttr(devicePath, "idVendor")
	if vendor == "" || vendor == "1d6b" {
		return usb.DeviceInfo{}, false
	}
	bus, addr, ok := parseSysfsDevicePath(devicePath)
	if !ok {
		return usb.DeviceInfo{}, false
	}
	return usb.DeviceInfo{
		Bus:     bus,
		Address: addr,
		Vendor:  parseHexAttr(devicePath, "idVendor"),
		Product: parseHexAttr(devicePath, "idProduct"),
		Serial:  readSysfsAttr(devicePath, "serial"),
	}, true
}

// enumerateSysfs walks sysfsUSBPath and returns every attached USB device,
// excluding interface and root-hub entries.
func enumerateSysfs() ([]usb.DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsUSBPath)
	if err != nil {
		return nil, err
	}
	var out []usb.DeviceInfo
	for _, e := range entries {
		name := e.Name()
		// Interface directories are named "<bus>-<port>:<config>.<iface>";
		// device directories never contain a colon.
		if strings.Contains(name, ":") {
			continue
		}
		if info, ok := describeUSBDevice(filepath.Join(sysfsUSBPath, name)); ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// devfsNodePath returns the usbfs device node for a bus/address pair, e.g.
// /dev/bus/usb/001/004.
func devfsNodePath(bus, addr uint8) string {
	return filepath.Join(devfsUSBPath, padBusAddr(bus), padBusAddr(addr))
}

func padBusAddr(n uint8) string {
	s := strconv.Itoa(int(n))
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
