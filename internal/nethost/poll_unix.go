//go:build unix

package nethost

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/boomhut/goja-netloop/internal/errkind"
	"github.com/boomhut/goja-netloop/internal/sockets"
)

// Poll waits for readiness on socket subscriptions, bounded by the shortest
// clock subscription. Subscriptions on unknown sockets are reported
// immediately with a NotConnected code, as are sockets closed while the poll
// waits.
//
// Descriptors are polled inside RawConn.Control, which keeps them open until
// the poll returns, so a descriptor number is never reused under it. Close
// wakes running polls through their pipe before closing.
func (h *Host) Poll(subs []sockets.Subscription, events []sockets.Event) (int, int32) {
	if len(subs) == 0 || len(events) == 0 {
		return 0, errkind.InvalidInput.Code()
	}

	wake, err := newWakePipe()
	if err != nil {
		return 0, CodeOf(err)
	}
	defer wake.close()
	defer h.onClose(wake.signal)()

	var (
		raws   []syscall.RawConn
		fdSubs []int
		clock  = time.Duration(-1)
		n      int
	)
	for i, s := range subs {
		switch s.Type {
		case sockets.EventClock:
			if clock < 0 || s.Timeout < clock {
				clock = max(s.Timeout, 0)
			}
		case sockets.EventRead, sockets.EventWrite:
			raw, err := h.rawConn(s.Socket)
			if err != nil {
				if n < len(events) {
					events[n] = sockets.Event{UserData: s.UserData, Type: s.Type, Code: errkind.NotConnected.Code()}
					n++
				}
				continue
			}
			raws = append(raws, raw)
			fdSubs = append(fdSubs, i)
		default:
			return 0, errkind.InvalidInput.Code()
		}
	}
	if n > 0 {
		return n, 0
	}

	p := &poller{h: h, subs: subs, fdSubs: fdSubs, wake: wake, clock: clock}
	var code int32
	if err := control(raws, nil, func(fds []uintptr) { n, code = p.wait(fds, events) }); err != nil {
		// closed between lookup and Control
		return 0, errkind.NotConnected.Code()
	}
	return n, code
}

type poller struct {
	h      *Host
	wake   *wakePipe
	subs   []sockets.Subscription
	fdSubs []int
	clock  time.Duration
}

func (p *poller) wait(fds []uintptr, events []sockets.Event) (int, int32) {
	pfds := make([]unix.PollFd, len(fds)+1)
	for j, fd := range fds {
		ev := int16(unix.POLLIN)
		if p.subs[p.fdSubs[j]].Type == sockets.EventWrite {
			ev = unix.POLLOUT
		}
		pfds[j] = unix.PollFd{Fd: int32(fd), Events: ev}
	}
	woke := &pfds[len(fds)]
	*woke = unix.PollFd{Fd: int32(p.wake.r), Events: unix.POLLIN}

	start := time.Now()
	n := 0
	for {
		timeout := -1
		if p.clock >= 0 {
			remaining := max(p.clock-time.Since(start), 0)
			timeout = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}
		_, err := unix.Poll(pfds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, CodeOf(err)
		}

		for j := range fds {
			s := p.subs[p.fdSubs[j]]
			ev := sockets.Event{UserData: s.UserData, Type: s.Type}
			switch revents := pfds[j].Revents; {
			case !p.h.open(s.Socket):
				ev.Code = errkind.NotConnected.Code()
			case revents == 0:
				continue
			case revents&unix.POLLNVAL != 0:
				ev.Code = errkind.NotConnected.Code()
			case revents&unix.POLLERR != 0:
				ev.Code = errkind.ConnectionReset.Code()
			}
			if n < len(events) {
				events[n] = ev
				n++
			}
		}
		if n > 0 || woke.Revents == 0 {
			break
		}
		// a socket this poll does not watch was closed
		p.wake.drain()
	}

	if elapsed := time.Since(start); p.clock >= 0 && elapsed >= p.clock {
		for _, s := range p.subs {
			if s.Type == sockets.EventClock && s.Timeout <= elapsed && n < len(events) {
				events[n] = sockets.Event{UserData: s.UserData, Type: sockets.EventClock}
				n++
			}
		}
	}
	return n, 0
}

// control runs fn with the descriptors of raws, holding each open until fn
// returns.
func control(raws []syscall.RawConn, fds []uintptr, fn func([]uintptr)) error {
	if len(raws) == 0 {
		fn(fds)
		return nil
	}
	var inner error
	if err := raws[0].Control(func(fd uintptr) {
		inner = control(raws[1:], append(fds, fd), fn)
	}); err != nil {
		return err
	}
	return inner
}

// wakePipe interrupts one Poll.
type wakePipe struct {
	mu     sync.Mutex
	r, w   int
	closed bool
}

func newWakePipe() (*wakePipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &wakePipe{r: fds[0], w: fds[1]}, nil
}

func (p *wakePipe) signal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		_, _ = unix.Write(p.w, []byte{0})
	}
}

func (p *wakePipe) drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.r, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (p *wakePipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		_ = unix.Close(p.r)
		_ = unix.Close(p.w)
	}
}

func (h *Host) open(sock sockets.Socket) bool {
	_, ok := h.get(sock)
	return ok
}

// rawConn returns the raw connection behind sock.
func (h *Host) rawConn(sock sockets.Socket) (syscall.RawConn, error) {
	e, ok := h.get(sock)
	if !ok {
		return nil, net.ErrClosed
	}
	var target any = e.listener
	if e.conn != nil {
		target = e.conn
		if nc, ok := e.conn.(interface{ NetConn() net.Conn }); ok {
			target = nc.NetConn()
		}
	}
	sc, ok := target.(syscall.Conn)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	return sc.SyscallConn()
}
