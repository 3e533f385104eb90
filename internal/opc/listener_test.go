package opc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerDeliversMessage(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(Encode(Message{Channel: 7, Command: CommandSetPixelColors, Payload: []byte{1, 2, 3}}))
	require.NoError(t, err)

	select {
	case ev := <-l.Events:
		assert.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, byte(7), ev.Message.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
}

// TestListenerNeverDropsUnderBackpressure pushes more messages than
// Events' buffer holds while draining slower than they arrive, and
// asserts every one still arrives -- emit blocks rather than dropping,
// per SPEC_FULL.md 8's "no payload byte dropped" invariant.
func TestListenerNeverDropsUnderBackpressure(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	const n = 500 // more than Events' 256-deep buffer
	go func() {
		for i := 0; i < n; i++ {
			conn.Write(Encode(Message{Channel: 0, Command: CommandSetPixelColors, Payload: []byte{byte(i)}}))
		}
	}()

	received := 0
	deadline := time.After(5 * time.Second)
	for received < n {
		select {
		case ev := <-l.Events:
			if ev.Kind == EventMessage {
				received++
			}
		case <-deadline:
			t.Fatalf("timed out with %d/%d messages delivered", received, n)
		}
	}
	assert.Equal(t, n, received)
}

func TestListenerEmitsClosedOnDisconnect(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	conn.Close()

	select {
	case ev := <-l.Events:
		assert.Equal(t, EventClosed, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for closed event")
	}
}
