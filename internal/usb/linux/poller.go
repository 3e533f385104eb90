//go:build linux

package linux

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pollDesc describes one file descriptor registered with the poller and
// the callback to invoke when epoll reports it ready.
type pollDesc struct {
	fd       int
	events   uint32
	callback func(events uint32)
}

// poller multiplexes usbfs device nodes and the netlink hotplug socket
// through a single epoll instance, grounded on the teacher's poller but
// rebuilt on x/sys/unix instead of raw syscall.Syscall6 wrappers -- the
// same epoll_create1/epoll_ctl/epoll_wait/eventfd sequence, typed.
//
// An eventfd lets Close interrupt a blocked poll from another goroutine,
// though this bridge's event loop only ever calls poll from the single
// goroutine that owns it; the wakeup path exists for symmetry with the
// teacher and for Shutdown.
type poller struct {
	epfd   int
	wakefd int

	mu  sync.Mutex
	fds map[int]*pollDesc
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &poller{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]*pollDesc),
	}
	if err := p.addFD(wakefd, unix.EPOLLIN, nil); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func (p *poller) close() error {
	p.wake()
	unix.Close(p.wakefd)
	unix.Close(p.epfd)
	return nil
}

func (p *poller) addFD(fd int, events uint32, callback func(uint32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = &pollDesc{fd: fd, events: events, callback: callback}
	return nil
}

func (p *poller) delFD(fd int) error {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) wake() error {
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := unix.Write(p.wakefd, buf)
	return err
}

// pollOnce runs one epoll_wait for up to timeoutMillis (-1 blocks
// indefinitely, 0 returns immediately) and dispatches every ready fd's
// callback before returning. It returns the number of callbacks invoked.
func (p *poller) pollOnce(timeoutMillis int) (int, error) {
	var events [maxEpollEvents]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, events[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	processed := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		evts := events[i].Events

		if fd == p.wakefd {
			buf := make([]byte, 8)
			unix.Read(p.wakefd, buf)
			continue
		}

		p.mu.Lock()
		desc, ok := p.fds[fd]
		p.mu.Unlock()

		if ok && desc.callback != nil {
			desc.callback(evts)
			processed++
		}
	}
	return processed, nil
}
