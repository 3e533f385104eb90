// Package usbid resolves USB vendor/product IDs to human-readable names
// from the system's usb.ids database, for attach/detach log lines.
// Adapted from the teacher's pkg/linux/usbid database, trimmed to the
// single lookup shape the server core's logging needs (a display
// string per DeviceInfo) instead of a general-purpose vendor/product
// count API.
package usbid

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// searchPaths lists the standard locations for the USB ID database
// across common distributions.
var searchPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

var (
	once     sync.Once
	vendors  map[uint16]string
	products map[uint32]string
)

func load() {
	vendors = make(map[uint16]string)
	products = make(map[uint32]string)
	for _, path := range searchPaths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		parse(f)
		f.Close()
		return
	}
}

func parse(file *os.File) {
	scanner := bufio.NewScanner(file)
	var currentVID uint16

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if currentVID == 0 {
				continue
			}
			line = line[1:]
			if len(line) < 6 || line[4] != ' ' {
				continue
			}
			pid, err := strconv.ParseUint(line[:4], 16, 16)
			if err != nil {
				continue
			}
			key := (uint32(currentVID) << 16) | uint32(pid)
			products[key] = strings.TrimLeft(line[5:], " ")
			continue
		}

		if len(line) < 6 {
			currentVID = 0
			continue
		}
		vid, err := strconv.ParseUint(line[:4], 16, 16)
		if err != nil {
			currentVID = 0
			continue
		}
		currentVID = uint16(vid)
		if line[4] == ' ' {
			vendors[currentVID] = strings.TrimLeft(line[5:], " ")
		}
	}
}

// Describe renders "Vendor Product (vvvv:pppp)" using whatever names the
// system's usb.ids database has, falling back to the bare hex pair when
// the database is absent or the pair is unlisted -- attach/detach
// logging should never fail or block on a missing database file.
func Describe(vendor, product uint16) string {
	once.Do(load)
	v := vendors[vendor]
	p := products[(uint32(vendor)<<16)|uint32(product)]
	switch {
	case v != "" && p != "":
		return fmt.Sprintf("%s %s (%04x:%04x)", v, p, vendor, product)
	case v != "":
		return fmt.Sprintf("%s (%04x:%04x)", v, vendor, product)
	default:
		return fmt.Sprintf("%04x:%04x", vendor, product)
	}
}
