package fc

import (
	"github.com/ferrouswheel/fadecandy/internal/device"
	"github.com/ferrouswheel/fadecandy/internal/usb"
)

// Fadecandy's registered USB VID:PID.
const (
	vendorID  = 0x1d50
	productID = 0x607a
)

type driver struct{}

func (driver) Matches(vendor, product uint16) bool {
	return vendor == vendorID && product == productID
}

func (driver) Attach(tr usb.Transport, info usb.DeviceInfo) (device.Device, error) {
	return New(tr, info), nil
}

func init() {
	device.Register(driver{})
}
