package opc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrouswheel/fadecandy/internal/pkg"
)

func TestFramerDecodesOneMessage(t *testing.T) {
	wire := Encode(Message{Channel: 1, Command: CommandSetPixelColors, Payload: []byte{1, 2, 3}})

	var f Framer
	msgs, err := f.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(1), msgs[0].Channel)
	assert.Equal(t, []byte{1, 2, 3}, msgs[0].Payload)
}

func TestFramerSplitAcrossReads(t *testing.T) {
	wire := Encode(Message{Channel: 2, Command: CommandSetPixelColors, Payload: []byte{9, 9, 9}})

	var f Framer
	msgs, err := f.Feed(wire[:2])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = f.Feed(wire[2:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(2), msgs[0].Channel)
}

func TestFramerMultipleMessagesOneRead(t *testing.T) {
	wire := append(
		Encode(Message{Channel: 1, Command: CommandSetPixelColors, Payload: []byte{1}}),
		Encode(Message{Channel: 2, Command: CommandSetPixelColors, Payload: []byte{2}})...,
	)

	var f Framer
	msgs, err := f.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, byte(1), msgs[0].Channel)
	assert.Equal(t, byte(2), msgs[1].Channel)
}

func TestFramerOverLengthCloses(t *testing.T) {
	var f Framer
	oversized := make([]byte, maxBufferedBytes+1)
	_, err := f.Feed(oversized)
	require.ErrorIs(t, err, pkg.ErrOverLength)
}

func TestMessageIsBroadcast(t *testing.T) {
	assert.True(t, Message{Channel: 0}.IsBroadcast())
	assert.False(t, Message{Channel: 1}.IsBroadcast())
}

func TestMessagePixels(t *testing.T) {
	m := Message{Payload: []byte{255, 0, 0, 0, 255, 0}}
	pixels := m.Pixels()
	require.Len(t, pixels, 2)
	assert.Equal(t, PixelRGB{255, 0, 0}, pixels[0])
	assert.Equal(t, PixelRGB{0, 255, 0}, pixels[1])
}

func TestDecodeFirmwareConfigFlags(t *testing.T) {
	flags := DecodeFirmwareConfigFlags(0x05) // no-dithering + led-disable
	assert.True(t, flags.NoDithering)
	assert.False(t, flags.NoInterpolation)
	assert.True(t, flags.LEDDisable)
}
