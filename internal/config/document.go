// Package config decodes the JSON configuration document (§6) and
// pre-compiles it into the listen address, verbose flag, and ordered
// device-binding specs (each carrying its resolved color tuple) the
// server core consults on hotplug --
// the core's hot path never touches the raw document, per the
// re-architecture note that drove this package's separation from
// mapping/device wiring.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/ferrouswheel/fadecandy/internal/device"
	"github.com/ferrouswheel/fadecandy/internal/pkg"
)

// ColorTuple is the (gamma, whitepoint) pair carried by both the
// top-level and per-device "color" keys, and by the OPC wire's
// SysExSetColorCorrection sub-message -- the same JSON shape serves all
// three per SPEC_FULL.md 4.3.
type ColorTuple struct {
	Gamma      float64    `json:"gamma"`
	Whitepoint [3]float64 `json:"whitepoint"`
}

// DefaultColorTuple is the identity correction: no attenuation, linear
// response. Used as the base a per-device tuple with an omitted field
// resolves against, per §9's "full replacement, not merge" pin.
var DefaultColorTuple = ColorTuple{Gamma: 1, Whitepoint: [3]float64{1, 1, 1}}

// deviceEntry is one element of the top-level "devices" array.
type deviceEntry struct {
	Type   string          `json:"type"`
	Serial string          `json:"serial"`
	Map    [][]json.Number `json:"map"`
	Color  *ColorTuple     `json:"color"`
}

// Document is the decoded top-level configuration tree.
type Document struct {
	Listen  [2]any        `json:"listen"`
	Verbose bool          `json:"verbose"`
	Color   *ColorTuple   `json:"color"`
	Devices []deviceEntry `json:"devices"`
}

// Decode parses raw into a Document, filling defaults for an absent
// "listen" per §6 (["127.0.0.1", 7890]).
func Decode(raw []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if doc.Listen[0] == nil {
		doc.Listen[0] = "127.0.0.1"
	}
	if doc.Listen[1] == nil {
		doc.Listen[1] = float64(7890)
	}
	return doc, nil
}

// ListenAddr renders the decoded listen tuple as a net.Listen address
// string.
func (d *Document) ListenAddr() (string, error) {
	host, ok := d.Listen[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: listen[0] must be a string host", pkg.ErrInvalidConfig)
	}
	var port int
	switch v := d.Listen[1].(type) {
	case float64:
		port = int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return "", fmt.Errorf("%w: listen[1]: %v", pkg.ErrInvalidConfig, err)
		}
		port = int(n)
	default:
		return "", fmt.Errorf("%w: listen[1] must be a port number", pkg.ErrInvalidConfig)
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

// resolvedColor applies §9's per-device precedence: a non-nil override
// fully replaces base, field-for-field, rather than merging.
func resolvedColor(base ColorTuple, override *ColorTuple) ColorTuple {
	if override == nil {
		return base
	}
	resolved := DefaultColorTuple
	resolved.Gamma = override.Gamma
	if override.Gamma == 0 {
		resolved.Gamma = DefaultColorTuple.Gamma
	}
	resolved.Whitepoint = override.Whitepoint
	if resolved.Whitepoint == [3]float64{} {
		resolved.Whitepoint = DefaultColorTuple.Whitepoint
	}
	return resolved
}

// Compile turns a decoded Document into the listen address, effective
// verbosity, and the ordered device.Binding list CORE matches against
// hotplug arrivals. Mapping is built lazily per binding once a real
// device.Device exists to bind MapRows against (see internal/core),
// since a MapEntry's Device field cannot be populated before attach.
func Compile(doc *Document) (listenAddr string, verbose bool, bindings []device.Binding, err error) {
	listenAddr, err = doc.ListenAddr()
	if err != nil {
		return "", false, nil, err
	}

	global := DefaultColorTuple
	if doc.Color != nil {
		global = resolvedColor(DefaultColorTuple, doc.Color)
	}

	bindings = make([]device.Binding, 0, len(doc.Devices))
	for i, de := range doc.Devices {
		if de.Type != "fadecandy" && de.Type != "enttec" {
			return "", false, nil, fmt.Errorf("%w: devices[%d]: unknown type %q", pkg.ErrInvalidConfig, i, de.Type)
		}
		color := resolvedColor(global, de.Color)
		rows, err := compileMapRows(de.Type, de.Map)
		if err != nil {
			return "", false, nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		bindings = append(bindings, device.Binding{
			Type:       de.Type,
			Serial:     de.Serial,
			Gamma:      color.Gamma,
			Whitepoint: color.Whitepoint,
			MapRows:    rows,
		})
	}
	return listenAddr, doc.Verbose, bindings, nil
}

// compileMapRows parses one device entry's "map" rows. The four wire
// integers carry different meanings for the two device types (§6): a
// fadecandy row is a contiguous pixel range, an enttec row is a single
// pixel/component/channel assignment.
func compileMapRows(deviceType string, raw [][]json.Number) ([]device.MapRow, error) {
	rows := make([]device.MapRow, 0, len(raw))
	for _, r := range raw {
		ints := make([]int, len(r))
		for i, n := range r {
			v, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: map row %v: %v", pkg.ErrInvalidConfig, r, err)
			}
			ints[i] = int(v)
		}
		if len(ints) < 4 {
			return nil, fmt.Errorf("%w: map row %v: need at least 4 fields", pkg.ErrInvalidConfig, r)
		}
		if deviceType == "enttec" {
			rows = append(rows, device.MapRow{
				OPCChannel: ints[0],
				SrcStart:   ints[1],
				Component:  ints[2],
				DstStart:   ints[3],
				Count:      1,
			})
			continue
		}
		rows = append(rows, device.MapRow{
			OPCChannel: ints[0],
			SrcStart:   ints[1],
			DstStart:   ints[2],
			Count:      ints[3],
			Component:  -1,
		})
	}
	return rows, nil
}
