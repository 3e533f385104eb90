// Package mapping implements the Mapping Engine: an ordered list of
// MapEntry bindings, dispatched against incoming OPC Set-Pixel-Colors
// messages with last-write-wins semantics at the destination pixel, and
// replaceable atomically without locking the hot dispatch path.
// Grounded on the teacher's atomic-swap idiom for shared, rarely-mutated
// state (pkg/prof's install-once globals generalized to a value that
// changes on every config reload instead of never).
package mapping

import (
	"sync/atomic"

	"github.com/ferrouswheel/fadecandy/internal/device"
	"github.com/ferrouswheel/fadecandy/internal/opc"
)

// MapEntry binds srcCount pixels of one OPC channel, starting at
// srcStart, onto the same number of pixels of one device starting at dstStart,
// with an optional per-entry color scale.
type MapEntry struct {
	Channel  byte
	SrcStart int
	SrcCount int
	DstStart int
	Device   device.Device
	Scale    device.ColorScale
	HasScale bool
}

// matches reports whether entry e participates in delivery of a message
// on wire channel c, per SPEC_FULL.md 4.3/9's broadcast resolution: a
// message on channel 0 reaches every entry, and an entry declared with
// channel 0 is itself always reached (so it isn't double-counted
// against a literal, non-zero channel message it doesn't also match).
func (e MapEntry) matches(c byte) bool {
	return e.Channel == c || c == 0 || e.Channel == 0
}

// Mapping is an ordered, immutable-once-installed list of entries.
type Mapping struct {
	entries []MapEntry
}

// New constructs a Mapping from entries in dispatch-priority order
// (later entries win ties at the same destination pixel).
func New(entries []MapEntry) *Mapping {
	return &Mapping{entries: append([]MapEntry(nil), entries...)}
}

// Entries returns the ordered entry list, primarily for tests and
// config-reload diffing.
func (m *Mapping) Entries() []MapEntry {
	return m.entries
}

// Dispatch applies msg (already known to be a Set-Pixel-Colors message)
// against every matching entry, in order, per SPEC_FULL.md 4.4: later
// entries for the same destination pixel overwrite earlier ones because
// each WritePixels call lands directly in the device's back buffer.
func (m *Mapping) Dispatch(msg opc.Message) {
	pixels := msg.Pixels()
	n := len(pixels)

	for _, e := range m.entries {
		if !e.matches(msg.Channel) {
			continue
		}
		if e.Device == nil {
			continue
		}
		count := e.SrcCount
		avail := n - e.SrcStart
		if avail < count {
			count = avail
		}
		devCap := e.Device.PixelCount() - e.DstStart
		if devCap < count {
			count = devCap
		}
		if count <= 0 {
			continue
		}
		batch := make([]device.Pixel, count)
		for i := 0; i < count; i++ {
			p := pixels[e.SrcStart+i]
			if e.HasScale {
				batch[i] = device.Pixel{
					R: scale8(p.R, e.Scale.R),
					G: scale8(p.G, e.Scale.G),
					B: scale8(p.B, e.Scale.B),
				}
			} else {
				batch[i] = device.Pixel{R: p.R, G: p.G, B: p.B}
			}
		}
		e.Device.WritePixels(e.DstStart, batch)
	}
}

// MatchingDevices returns the distinct devices bound to entries that
// match channel c, in entry order -- used by the System-Exclusive
// handler to target a color-correction or firmware-config change at
// the same device set a Set-Pixel-Colors message on that channel would
// reach.
func (m *Mapping) MatchingDevices(c byte) []device.Device {
	seen := make(map[device.Device]bool)
	var out []device.Device
	for _, e := range m.entries {
		if !e.matches(c) || e.Device == nil || seen[e.Device] {
			continue
		}
		seen[e.Device] = true
		out = append(out, e.Device)
	}
	return out
}

func scale8(v uint8, scale float64) uint8 {
	scaled := float64(v) * scale
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}

// Current holds the live, atomically-swappable Mapping the server core
// dispatches against. A single atomic.Pointer swap installs a new
// config with no lock on the hot path, per SPEC_FULL.md 4.4's
// prohibition on locks in the core.
type Current struct {
	ptr atomic.Pointer[Mapping]
}

// NewCurrent wraps an initial Mapping (possibly empty) for atomic
// installation.
func NewCurrent(initial *Mapping) *Current {
	c := &Current{}
	if initial == nil {
		initial = New(nil)
	}
	c.ptr.Store(initial)
	return c
}

// Load returns the Mapping in effect right now. Safe to call from any
// goroutine; the returned value is never mutated in place.
func (c *Current) Load() *Mapping {
	return c.ptr.Load()
}

// Store atomically installs m as the Mapping future dispatches use.
// Any dispatch already in progress against the previous Mapping
// continues to completion unaffected -- dispatch runs entirely on the
// event-loop goroutine, so in practice Store only ever happens between
// dispatches, never concurrently with one.
func (c *Current) Store(m *Mapping) {
	c.ptr.Store(m)
}
