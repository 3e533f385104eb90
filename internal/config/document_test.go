package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDefaultsListen(t *testing.T) {
	doc, err := Decode([]byte(`{}`))
	require.NoError(t, err)
	addr, err := doc.ListenAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7890", addr)
}

func TestDecodeExplicitListen(t *testing.T) {
	doc, err := Decode([]byte(`{"listen": ["0.0.0.0", 9000]}`))
	require.NoError(t, err)
	addr, err := doc.ListenAddr()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", addr)
}

func TestCompilePerDeviceColorFullyReplaces(t *testing.T) {
	doc, err := Decode([]byte(`{
		"color": {"gamma": 2.0, "whitepoint": [0.5, 0.5, 0.5]},
		"devices": [
			{"type": "fadecandy", "serial": "abc", "color": {"gamma": 3.0}}
		]
	}`))
	require.NoError(t, err)

	_, _, bindings, err := Compile(doc)
	require.NoError(t, err)
	require.Len(t, bindings, 1)

	assert.Equal(t, 3.0, bindings[0].Gamma)
	assert.Equal(t, [3]float64{1, 1, 1}, bindings[0].Whitepoint, "omitted whitepoint falls back to default, not the global tuple")
}

func TestCompileDeviceInheritsGlobalWhenNoOverride(t *testing.T) {
	doc, err := Decode([]byte(`{
		"color": {"gamma": 2.0, "whitepoint": [0.5, 0.5, 0.5]},
		"devices": [{"type": "enttec"}]
	}`))
	require.NoError(t, err)

	_, _, bindings, err := Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, 2.0, bindings[0].Gamma)
	assert.Equal(t, [3]float64{0.5, 0.5, 0.5}, bindings[0].Whitepoint)
}

func TestCompileMapRows(t *testing.T) {
	doc, err := Decode([]byte(`{
		"devices": [
			{"type": "fadecandy", "map": [[1, 0, 0, 64], [0, 0, 64, 64]]}
		]
	}`))
	require.NoError(t, err)

	_, _, bindings, err := Compile(doc)
	require.NoError(t, err)
	require.Len(t, bindings[0].MapRows, 2)
	assert.Equal(t, 1, bindings[0].MapRows[0].OPCChannel)
	assert.Equal(t, 64, bindings[0].MapRows[1].DstStart)
}

func TestCompileEnttecMapRowsUsePerComponentShape(t *testing.T) {
	doc, err := Decode([]byte(`{
		"devices": [
			{"type": "enttec", "map": [[0, 1, 0, 10], [0, 1, 1, 11], [0, 1, 2, 12]]}
		]
	}`))
	require.NoError(t, err)

	_, _, bindings, err := Compile(doc)
	require.NoError(t, err)
	require.Len(t, bindings[0].MapRows, 3)

	row := bindings[0].MapRows[0]
	assert.Equal(t, 0, row.OPCChannel)
	assert.Equal(t, 1, row.SrcStart, "opcPixel, not a destination offset")
	assert.Equal(t, 0, row.Component, "R")
	assert.Equal(t, 10, row.DstStart, "the 1-based dmx channel")
	assert.Equal(t, 1, row.Count)
}

func TestCompileRejectsUnknownDeviceType(t *testing.T) {
	doc, err := Decode([]byte(`{"devices": [{"type": "bogus"}]}`))
	require.NoError(t, err)

	_, _, _, err = Compile(doc)
	assert.Error(t, err)
}

func TestBindingMatchesSerialPrefix(t *testing.T) {
	doc, err := Decode([]byte(`{"devices": [{"type": "fadecandy", "serial": "FC01"}]}`))
	require.NoError(t, err)
	_, _, bindings, err := Compile(doc)
	require.NoError(t, err)

	assert.True(t, bindings[0].Matches("fc", "FC0199"))
	assert.False(t, bindings[0].Matches("fc", "OTHER"))
	assert.False(t, bindings[0].Matches("dmx", "FC0199"))
}
