package opc

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/ferrouswheel/fadecandy/internal/pkg"
)

// ConnID identifies one accepted connection for the lifetime of the
// process.
type ConnID uint64

// EventKind distinguishes the two things a Listener reports.
type EventKind int

const (
	EventMessage EventKind = iota
	EventClosed
)

// Event is delivered on Listener.Events for the server core to consume
// from its own event-loop goroutine -- nothing in this package ever
// calls into mapping or device state directly, preserving the single
// mutator invariant of SPEC_FULL.md 5.
type Event struct {
	Kind    EventKind
	Conn    ConnID
	Message Message
	Err     error
}

// Listener accepts OPC connections and decodes their message stream.
// Every accepted connection gets its own read goroutine (idiomatic Go,
// and the teacher's own event-sourcing-via-channel style for hotplug);
// only decoding happens off the event-loop goroutine -- dispatch always
// happens on the consumer of Events.
type Listener struct {
	ln     net.Listener
	Events chan Event

	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[ConnID]net.Conn

	closing atomic.Bool
}

// Listen starts accepting OPC connections on addr (e.g. ":7890", the
// protocol's conventional port).
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:     ln,
		Events: make(chan Event, 256),
		conns:  make(map[ConnID]net.Conn),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() {
				return
			}
			pkg.Warnf(pkg.ComponentOPC, "accept: %v", err)
			return
		}
		id := ConnID(l.nextID.Add(1))
		l.mu.Lock()
		l.conns[id] = conn
		l.mu.Unlock()
		go l.readLoop(id, conn)
	}
}

func (l *Listener) readLoop(id ConnID, conn net.Conn) {
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.conns, id)
		l.mu.Unlock()
		l.emit(Event{Kind: EventClosed, Conn: id})
	}()

	var framer Framer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				pkg.Debugf(pkg.ComponentOPC, "conn %d: %v", id, ferr)
				return
			}
			for _, m := range msgs {
				l.emit(Event{Kind: EventMessage, Conn: id, Message: m})
			}
		}
		if err != nil {
			return
		}
	}
}

// emit hands ev to the core's event loop. It blocks if Events is full
// rather than dropping: SPEC_FULL.md 4.3/8 requires every parsed OPC
// payload byte to reach MAP, and never throttles individual connections
// by discarding their messages -- overload is resolved at the device
// backpressure point (SPEC_FULL.md 4.2.1's back-buffer overwrite), not
// here.
func (l *Listener) emit(ev Event) {
	l.Events <- ev
}

// Close stops accepting new connections and closes every open one.
func (l *Listener) Close() error {
	l.closing.Store(true)
	err := l.ln.Close()
	l.mu.Lock()
	for _, c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()
	return err
}

// Addr returns the listener's bound network address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
