package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ferrouswheel/fadecandy/internal/device"
	"github.com/ferrouswheel/fadecandy/internal/mapping"
	"github.com/ferrouswheel/fadecandy/internal/opc"
	"github.com/ferrouswheel/fadecandy/internal/pkg"
	"github.com/ferrouswheel/fadecandy/internal/usb"
	"github.com/ferrouswheel/fadecandy/internal/usbid"
)

// pollInterval bounds how long one event-loop tick waits inside
// Transport.Poll once the OPC listener's Events channel and the reload
// request channel have both been drained empty. Short enough that ctx
// cancellation and a just-arrived OPC message are both noticed promptly
// without busy-spinning the loop.
const pollInterval = 10 * time.Millisecond

// Server is the event loop described in SPEC_FULL.md 4.5: it owns the
// transport, the OPC listener, the live DeviceTable, and the
// atomically-swapped Mapping, and is the only goroutine that ever
// mutates any of them.
type Server struct {
	tr       usb.Transport
	listener *opc.Listener
	devices  *DeviceTable
	current  *mapping.Current
	bindings []device.Binding
	verbose  bool

	// reloadRequests carries config reloads submitted from outside the
	// event-loop goroutine (SIGHUP) onto it, the same self-pipe role
	// SPEC_FULL.md 4.1 describes for an eventfd wakeup -- a channel is
	// this loop's equivalent primitive since listener.Events already
	// wakes Run the same way. Buffered by one and drained-then-replaced
	// on a full buffer: only the most recent reload request matters.
	reloadRequests chan []device.Binding
}

// New constructs a Server bound to an already-open transport and OPC
// listener, with the given compiled config. Call Run to start serving.
func New(tr usb.Transport, listener *opc.Listener, bindings []device.Binding, verbose bool) *Server {
	s := &Server{
		tr:             tr,
		listener:       listener,
		devices:        NewDeviceTable(),
		current:        mapping.NewCurrent(nil),
		bindings:       bindings,
		verbose:        verbose,
		reloadRequests: make(chan []device.Binding, 1),
	}
	tr.OnHotplug(s.onHotplug)
	return s
}

// Run drives the event loop until ctx is cancelled (returning nil) or the
// transport's Enumerate or Poll fails (returning that error); a listener
// accept failure does not end it. It replays Enumerate as synthetic
// arrive events before entering the loop, matching UTL's documented
// contract that initial enumeration and hotplug share one code path.
func (s *Server) Run(ctx context.Context) error {
	infos, err := s.tr.Enumerate()
	if err != nil {
		return fmt.Errorf("core: enumerate: %w", err)
	}
	for _, info := range infos {
		s.onHotplug(usb.HotplugEvent{Kind: usb.HotplugArrive, Info: info})
	}

	for {
		// Drain every queued OPC event and reload request before
		// touching the transport at all -- a select with a bare default
		// only ever services one item per tick, and Poll's up-to-10ms
		// EpollWait would then cap dispatch throughput at ~100
		// messages/sec, far below what a 30-60fps multi-channel OPC
		// feed needs. The OPC listener's sockets live on their own
		// goroutines feeding this channel, not on the epoll instance
		// Poll waits on, so nothing else shortens that wait.
	drain:
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-s.listener.Events:
				s.handleOPCEvent(ev)
			case bindings := <-s.reloadRequests:
				s.ReloadConfig(bindings)
			default:
				break drain
			}
		}

		if _, err := s.tr.Poll(pollInterval); err != nil {
			return fmt.Errorf("core: poll: %w", err)
		}

		for _, d := range s.devices.All() {
			d.Flush()
		}
	}
}

// ReloadConfig re-resolves bindings against every currently attached
// device and atomically installs the resulting Mapping, per
// SPEC_FULL.md 4.5's externally-triggered reload entry point. Intended
// for SIGHUP: cmd/fcserver re-decodes and re-compiles the config file
// and passes the fresh bindings here rather than constructing a
// Mapping itself, since only core knows which devices are live.
//
// Only Run's own goroutine may call this directly -- it mutates
// s.bindings with no lock, per SPEC_FULL.md 5's single-mutator
// invariant. Code running on another goroutine (a signal handler) must
// go through RequestReload instead.
func (s *Server) ReloadConfig(bindings []device.Binding) {
	s.bindings = bindings
	s.rebuildMapping()
}

// RequestReload hands bindings to the event loop for the next tick to
// apply via ReloadConfig, the safe entry point for callers outside
// Run's goroutine (SIGHUP). A pending, not-yet-applied request is
// replaced rather than queued -- only the latest config matters.
func (s *Server) RequestReload(bindings []device.Binding) {
	select {
	case <-s.reloadRequests:
	default:
	}
	s.reloadRequests <- bindings
}

// Mapping exposes the live Mapping for tests and diagnostics.
func (s *Server) Mapping() *mapping.Mapping {
	return s.current.Load()
}

// Devices exposes the live DeviceTable for tests and diagnostics.
func (s *Server) Devices() *DeviceTable {
	return s.devices
}

func (s *Server) onHotplug(ev usb.HotplugEvent) {
	switch ev.Kind {
	case usb.HotplugArrive:
		s.attach(ev.Info)
	case usb.HotplugLeave:
		s.detach(ev.Info)
	}
}

func (s *Server) attach(info usb.DeviceInfo) {
	for _, drv := range device.Drivers {
		if !drv.Matches(info.Vendor, info.Product) {
			continue
		}
		d, err := drv.Attach(s.tr, info)
		if err != nil {
			pkg.Warnf(pkg.ComponentCore, "attach %s: %v", info, err)
			return
		}
		if !s.devices.Add(d) {
			pkg.Warnf(pkg.ComponentCore, "attach %s: duplicate bus/address, ignoring", info)
			d.Close()
			return
		}
		pkg.Infof(pkg.ComponentCore, "attached %s [%s]", info, usbid.Describe(info.Vendor, info.Product))
		s.applyBinding(d, info)
		s.rebuildMapping()
		return
	}
	pkg.Debugf(pkg.ComponentCore, "no driver matches %s", info)
}

func (s *Server) detach(info usb.DeviceInfo) {
	d, ok := s.devices.Remove(info.Bus, info.Address)
	if !ok {
		return
	}
	d.Close()
	pkg.Infof(pkg.ComponentCore, "detached %s [%s]", info, usbid.Describe(info.Vendor, info.Product))
	s.rebuildMapping()
}

// applyBinding sets a newly attached device's initial color correction
// from its matching config binding, if any. Firmware config flags keep
// the values the driver's constructor sets and are only changed by an
// explicit SysExSetFirmwareConfig wire message.
func (s *Server) applyBinding(d device.Device, info usb.DeviceInfo) {
	b := s.findBinding(d.Describe())
	if b == nil {
		return
	}
	scale := device.ColorScale{R: b.Whitepoint[0], G: b.Whitepoint[1], B: b.Whitepoint[2]}
	d.SetGlobalColorCorrection(scale, b.Gamma)
	d.ConfigureMap(b.MapRows)
}

func (s *Server) findBinding(desc device.Description) *device.Binding {
	for i := range s.bindings {
		if s.bindings[i].Matches(desc.Type, desc.Serial) {
			return &s.bindings[i]
		}
	}
	return nil
}

// rebuildMapping reconstructs the full Mapping from scratch against the
// current DeviceTable and installs it atomically. O(devices) per
// hotplug event or reload, never on the per-message dispatch path.
func (s *Server) rebuildMapping() {
	var entries []mapping.MapEntry
	for _, d := range s.devices.All() {
		b := s.findBinding(d.Describe())
		if b == nil || len(b.MapRows) == 0 {
			entries = append(entries, defaultEntry(d))
			continue
		}
		if b.Type == "enttec" {
			entries = append(entries, dmxMapEntries(b.MapRows, d)...)
			continue
		}
		for _, row := range b.MapRows {
			entries = append(entries, mapping.MapEntry{
				Channel:  byte(row.OPCChannel),
				SrcStart: row.SrcStart,
				SrcCount: row.Count,
				DstStart: row.DstStart,
				Device:   d,
			})
		}
	}
	s.current.Store(mapping.New(entries))
}

// dmxMapEntries builds one identity MapEntry per (opcChannel, opcPixel)
// pair referenced by a compiled enttec binding's map rows. The actual
// per-component channel assignment already lives in the device's own
// ConfigureMap-installed channel table (§6), so the mapping engine only
// needs to route each OPC pixel to the identically-numbered device pixel
// index for the device's WritePixels to resolve against it. Several rows
// commonly name the same pixel (one per R/G/B component); those collapse
// to a single entry here since a duplicate identity write is harmless.
func dmxMapEntries(rows []device.MapRow, d device.Device) []mapping.MapEntry {
	type key struct {
		channel int
		pixel   int
	}
	seen := make(map[key]bool, len(rows))
	var out []mapping.MapEntry
	for _, row := range rows {
		k := key{row.OPCChannel, row.SrcStart}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, mapping.MapEntry{
			Channel:  byte(row.OPCChannel),
			SrcStart: row.SrcStart,
			SrcCount: 1,
			DstStart: row.SrcStart,
			Device:   d,
		})
	}
	return out
}

// defaultEntry binds an unconfigured device (no matching config entry,
// or a config entry with no "map" rows) to OPC channel 0 across its
// full pixel range -- the simplest usable mapping, and the one a
// single-device setup with a minimal config document needs.
func defaultEntry(d device.Device) mapping.MapEntry {
	return mapping.MapEntry{
		Channel:  0,
		SrcStart: 0,
		SrcCount: d.PixelCount(),
		DstStart: 0,
		Device:   d,
	}
}

func (s *Server) handleOPCEvent(ev opc.Event) {
	switch ev.Kind {
	case opc.EventMessage:
		s.handleMessage(ev.Message)
	case opc.EventClosed:
		pkg.Debugf(pkg.ComponentCore, "conn %d closed", ev.Conn)
	}
}

func (s *Server) handleMessage(msg opc.Message) {
	switch msg.Command {
	case opc.CommandSetPixelColors:
		s.current.Load().Dispatch(msg)
	case opc.CommandSystemExclusive:
		s.handleSysEx(msg)
	default:
		// Unknown commands are silently ignored, per SPEC_FULL.md 4.3.
	}
}

func (s *Server) handleSysEx(msg opc.Message) {
	if len(msg.Payload) < 2 {
		return
	}
	sysID := binary.BigEndian.Uint16(msg.Payload[:2])
	if sysID != opc.FadecandySystemID {
		return
	}
	body := msg.Payload[2:]
	if len(body) < 1 {
		return
	}
	sub, rest := body[0], body[1:]

	targets := s.current.Load().MatchingDevices(msg.Channel)

	switch sub {
	case opc.SysExSetColorCorrection:
		var cc opc.ColorCorrection
		if err := json.Unmarshal(rest, &cc); err != nil {
			pkg.Warnf(pkg.ComponentCore, "sysex color correction: %v", err)
			return
		}
		scale := device.ColorScale{R: cc.Whitepoint[0], G: cc.Whitepoint[1], B: cc.Whitepoint[2]}
		for _, d := range targets {
			d.SetGlobalColorCorrection(scale, cc.Gamma)
		}
	case opc.SysExSetFirmwareConfig:
		if len(rest) < 1 {
			return
		}
		flags := opc.DecodeFirmwareConfigFlags(rest[0])
		for _, d := range targets {
			d.SetFirmwareConfig(!flags.NoDithering, !flags.NoInterpolation, !flags.LEDDisable)
		}
	default:
		// Unknown system IDs and sub-messages are silently ignored.
	}
}
