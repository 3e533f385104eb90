package dmx

import (
	"github.com/ferrouswheel/fadecandy/internal/device"
	"github.com/ferrouswheel/fadecandy/internal/usb"
)

type driver struct{}

func (driver) Matches(vendor, product uint16) bool {
	return vendor == vendorID && product == productID
}

func (driver) Attach(tr usb.Transport, info usb.DeviceInfo) (device.Device, error) {
	return New(tr, info, nil), nil
}

func init() {
	device.Register(driver{})
}
