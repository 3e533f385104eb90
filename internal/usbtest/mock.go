// Package usbtest provides a mock usb.Transport for driver and core
// tests, grounded on the teacher's host_test.go mockHAL pattern: a
// struct implementing the real interface, with fields tests can set or
// inspect instead of hitting real usbfs.
package usbtest

import (
	"time"

	"github.com/ferrouswheel/fadecandy/internal/pkg"
	"github.com/ferrouswheel/fadecandy/internal/usb"
)

// Submission records one SubmitOut call so tests can assert on what a
// driver sent without decoding real USB traffic.
type Submission struct {
	Handle   usb.Handle
	Endpoint uint8
	Buf      []byte
	id       usb.TransferID
	cb       usb.CompletionFunc
	done     bool
}

// Transport is an in-memory usb.Transport. By default SubmitOut
// succeeds and leaves the transfer pending until the test calls
// Complete; set AutoComplete to have every submission complete
// immediately with AutoStatus.
type Transport struct {
	Devices []usb.DeviceInfo
	Err     error

	AutoComplete bool
	AutoStatus   pkg.TransferStatus

	Submissions []*Submission

	hotplugCB func(usb.HotplugEvent)
	nextID    usb.TransferID
	closed    []usb.Handle
	cancelled []usb.Handle
}

func New() *Transport {
	return &Transport{AutoStatus: pkg.StatusOK}
}

func (t *Transport) Enumerate() ([]usb.DeviceInfo, error) {
	return t.Devices, t.Err
}

func (t *Transport) OnHotplug(cb func(usb.HotplugEvent)) {
	t.hotplugCB = cb
}

// Hotplug lets a test fire a synthetic arrive/leave event.
func (t *Transport) Hotplug(ev usb.HotplugEvent) {
	if t.hotplugCB != nil {
		t.hotplugCB(ev)
	}
}

func (t *Transport) SubmitOut(h usb.Handle, endpoint uint8, buf []byte, cb usb.CompletionFunc) (usb.TransferID, error) {
	if t.Err != nil {
		return 0, t.Err
	}
	t.nextID++
	id := t.nextID
	s := &Submission{Handle: h, Endpoint: endpoint, Buf: buf, id: id, cb: cb}
	t.Submissions = append(t.Submissions, s)
	if t.AutoComplete && cb != nil {
		s.done = true
		cb(id, t.AutoStatus, len(buf))
	}
	return id, nil
}

// Complete fires the completion callback for the submission at index i
// in Submissions (0-indexed, insertion order).
func (t *Transport) Complete(i int, status pkg.TransferStatus) {
	s := t.Submissions[i]
	if s.done {
		return
	}
	s.done = true
	if s.cb != nil {
		s.cb(s.id, status, len(s.Buf))
	}
}

// CompleteLast completes the most recent submission, the common case for
// a driver's serialized per-endpoint transfer chain.
func (t *Transport) CompleteLast(status pkg.TransferStatus) {
	if len(t.Submissions) == 0 {
		return
	}
	t.Complete(len(t.Submissions)-1, status)
}

// CancelAll fires the completion callback of every not-yet-completed
// submission for h with StatusCancelled, matching the real transport's
// documented contract, then records the cancellation for inspection.
func (t *Transport) CancelAll(h usb.Handle) {
	t.cancelled = append(t.cancelled, h)
	for _, s := range t.Submissions {
		if s.Handle != h || s.done {
			continue
		}
		s.done = true
		if s.cb != nil {
			s.cb(s.id, pkg.StatusCancelled, 0)
		}
	}
}

func (t *Transport) Close(h usb.Handle) error {
	t.closed = append(t.closed, h)
	return nil
}

func (t *Transport) Poll(timeout time.Duration) (int, error) { return 0, nil }

func (t *Transport) Shutdown() error { return nil }

var _ usb.Transport = (*Transport)(nil)
