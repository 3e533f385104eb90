// Package core wires the transport, protocol, driver, and mapping
// layers into the server runtime: one event loop, one goroutine,
// dispatching OPC messages to devices through the mapping engine and
// reacting to hotplug to attach/detach driver instances. Grounded on
// the teacher's host.go server loop shape, generalized from a single
// HAL-owned device set to the DeviceTable + driver-registry model
// SPEC_FULL.md 4.5 describes.
package core

import (
	"github.com/ferrouswheel/fadecandy/internal/device"
)

// busAddr is the USB (bus, address) tuple DeviceTable de-duplicates on.
type busAddr struct {
	bus, addr uint8
}

// DeviceTable is the ordered set of live, attached devices. Mutated
// only by hotplug callbacks on the event-loop goroutine, per
// SPEC_FULL.md 5's single-mutator invariant -- no lock guards it.
type DeviceTable struct {
	order []busAddr
	byKey map[busAddr]device.Device
}

// NewDeviceTable constructs an empty table.
func NewDeviceTable() *DeviceTable {
	return &DeviceTable{byKey: make(map[busAddr]device.Device)}
}

// Add inserts d, keyed by its reported bus/address. Reports false
// without inserting if an entry for that tuple already exists --
// DeviceTable never contains two entries for the same underlying USB
// device, per SPEC_FULL.md's Data Model invariant.
func (t *DeviceTable) Add(d device.Device) bool {
	bus, addr := d.BusAddress()
	key := busAddr{bus, addr}
	if _, exists := t.byKey[key]; exists {
		return false
	}
	t.byKey[key] = d
	t.order = append(t.order, key)
	return true
}

// Remove deletes the entry for (bus, addr), returning it and whether it
// was present.
func (t *DeviceTable) Remove(bus, addr uint8) (device.Device, bool) {
	key := busAddr{bus, addr}
	d, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	delete(t.byKey, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return d, true
}

// All returns every live device in attach order.
func (t *DeviceTable) All() []device.Device {
	out := make([]device.Device, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.byKey[key])
	}
	return out
}

// Len reports how many devices are currently attached.
func (t *DeviceTable) Len() int {
	return len(t.order)
}
