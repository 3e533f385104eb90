package usbid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeFallsBackToHexPair(t *testing.T) {
	// Without a usb.ids database present (true in most CI sandboxes),
	// Describe must still produce a stable, parseable string rather
	// than erroring or blocking.
	got := Describe(0xdead, 0xbeef)
	assert.Contains(t, got, "dead:beef")
}
