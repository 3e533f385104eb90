package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrouswheel/fadecandy/internal/device"
	"github.com/ferrouswheel/fadecandy/internal/opc"
)

// fakeDevice records every WritePixels call for assertions, standing in
// for a real FC/DMX driver the way the teacher's mockHAL stands in for
// real usbfs.
type fakeDevice struct {
	pixels []device.Pixel
}

func newFakeDevice(n int) *fakeDevice {
	return &fakeDevice{pixels: make([]device.Pixel, n)}
}

func (f *fakeDevice) WritePixels(offset int, pixels []device.Pixel) {
	for i, p := range pixels {
		if offset+i < len(f.pixels) {
			f.pixels[offset+i] = p
		}
	}
}
func (f *fakeDevice) PixelCount() int                                        { return len(f.pixels) }
func (f *fakeDevice) SetGlobalColorCorrection(device.ColorScale, float64)     {}
func (f *fakeDevice) SetFirmwareConfig(bool, bool, bool)                     {}
func (f *fakeDevice) Flush()                                                 {}
func (f *fakeDevice) Describe() device.Description                           { return device.Description{} }
func (f *fakeDevice) ConfigureMap([]device.MapRow)                           {}
func (f *fakeDevice) BusAddress() (uint8, uint8)                             { return 0, 0 }
func (f *fakeDevice) Terminated() bool                                       { return false }
func (f *fakeDevice) Close()                                                 {}

var _ device.Device = (*fakeDevice)(nil)

func TestDispatchDirectChannel(t *testing.T) {
	dev := newFakeDevice(4)
	m := New([]MapEntry{{Channel: 1, SrcStart: 0, SrcCount: 2, DstStart: 0, Device: dev}})

	m.Dispatch(opc.Message{Channel: 1, Payload: []byte{10, 20, 30, 40, 50, 60}})

	assert.Equal(t, device.Pixel{10, 20, 30}, dev.pixels[0])
	assert.Equal(t, device.Pixel{40, 50, 60}, dev.pixels[1])
}

func TestDispatchIgnoresOtherChannels(t *testing.T) {
	dev := newFakeDevice(4)
	m := New([]MapEntry{{Channel: 2, SrcStart: 0, SrcCount: 1, DstStart: 0, Device: dev}})

	m.Dispatch(opc.Message{Channel: 1, Payload: []byte{1, 2, 3}})

	assert.Equal(t, device.Pixel{}, dev.pixels[0])
}

func TestDispatchBroadcastChannelZero(t *testing.T) {
	devA := newFakeDevice(2)
	devB := newFakeDevice(2)
	m := New([]MapEntry{
		{Channel: 1, SrcStart: 0, SrcCount: 1, DstStart: 0, Device: devA},
		{Channel: 5, SrcStart: 0, SrcCount: 1, DstStart: 0, Device: devB},
	})

	m.Dispatch(opc.Message{Channel: 0, Payload: []byte{9, 9, 9}})

	assert.Equal(t, device.Pixel{9, 9, 9}, devA.pixels[0])
	assert.Equal(t, device.Pixel{9, 9, 9}, devB.pixels[0])
}

func TestDispatchEntryChannelZeroAlwaysMatches(t *testing.T) {
	dev := newFakeDevice(1)
	m := New([]MapEntry{{Channel: 0, SrcStart: 0, SrcCount: 1, DstStart: 0, Device: dev}})

	m.Dispatch(opc.Message{Channel: 3, Payload: []byte{7, 7, 7}})

	assert.Equal(t, device.Pixel{7, 7, 7}, dev.pixels[0])
}

func TestDispatchLastWriteWins(t *testing.T) {
	dev := newFakeDevice(1)
	m := New([]MapEntry{
		{Channel: 1, SrcStart: 0, SrcCount: 1, DstStart: 0, Device: dev},
		{Channel: 1, SrcStart: 1, SrcCount: 1, DstStart: 0, Device: dev},
	})

	m.Dispatch(opc.Message{Channel: 1, Payload: []byte{1, 1, 1, 2, 2, 2}})

	assert.Equal(t, device.Pixel{2, 2, 2}, dev.pixels[0])
}

func TestDispatchClampsToDeviceCapacity(t *testing.T) {
	dev := newFakeDevice(1)
	m := New([]MapEntry{{Channel: 1, SrcStart: 0, SrcCount: 5, DstStart: 0, Device: dev}})

	require.NotPanics(t, func() {
		m.Dispatch(opc.Message{Channel: 1, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}})
	})
	assert.Equal(t, device.Pixel{1, 2, 3}, dev.pixels[0])
}

func TestDispatchAppliesColorScale(t *testing.T) {
	dev := newFakeDevice(1)
	m := New([]MapEntry{{
		Channel: 1, SrcStart: 0, SrcCount: 1, DstStart: 0, Device: dev,
		Scale: device.ColorScale{R: 0.5, G: 1, B: 0}, HasScale: true,
	}})

	m.Dispatch(opc.Message{Channel: 1, Payload: []byte{200, 200, 200}})

	assert.Equal(t, device.Pixel{100, 200, 0}, dev.pixels[0])
}

func TestCurrentAtomicSwap(t *testing.T) {
	devA := newFakeDevice(1)
	devB := newFakeDevice(1)
	cur := NewCurrent(New([]MapEntry{{Channel: 1, SrcCount: 1, Device: devA}}))

	cur.Store(New([]MapEntry{{Channel: 1, SrcCount: 1, Device: devB}}))

	cur.Load().Dispatch(opc.Message{Channel: 1, Payload: []byte{5, 5, 5}})
	assert.Equal(t, device.Pixel{}, devA.pixels[0])
	assert.Equal(t, device.Pixel{5, 5, 5}, devB.pixels[0])
}
