// Package nethost is a sockets.Host backed by the Go net package.
//
// Each asynchronous primitive runs on its own goroutine, standing in for the
// host's I/O worker threads, and reports through the trampoline Dispatcher it
// was built with. Socket ids are allocated from a counter and never reused.
package nethost

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/boomhut/goja-netloop/internal/errkind"
	"github.com/boomhut/goja-netloop/internal/sockets"
	"github.com/boomhut/goja-netloop/internal/trampoline"
)

// Option configures a Host.
type Option func(*Host)

// WithLogger attaches a structured logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(h *Host) { h.logger = logger }
}

// WithTLS makes Connect dial TLS using cfg. The server name defaults to the
// connect host.
func WithTLS(cfg *tls.Config) Option {
	return func(h *Host) { h.tlsConfig = cfg }
}

// WithDialer replaces the dialer used by Connect.
func WithDialer(d *net.Dialer) Option {
	return func(h *Host) { h.dialer = d }
}

// WithBindHost sets the address Listen binds to. The default binds all
// interfaces.
func WithBindHost(host string) Option {
	return func(h *Host) { h.bindHost = host }
}

// aLongTimeAgo is a deadline in the past, which unblocks pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

type entry struct {
	conn     net.Conn
	listener net.Listener
}

// op is an operation blocked in the host that Cancel can abort.
type op struct {
	abort   func()
	restore func()
	mu      sync.Mutex
	done    bool
	aborted bool
}

func (o *op) cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done || o.aborted {
		return
	}
	o.aborted = true
	o.abort()
}

// finish marks the operation complete, undoing an abort. It runs before the
// completion is fired, so the next operation on the socket starts clean.
func (o *op) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = true
	if o.aborted && o.restore != nil {
		o.restore()
	}
}

// Host implements sockets.Host and sockets.Canceler.
type Host struct {
	d          *trampoline.Dispatcher
	logger     *logiface.Logger[logiface.Event]
	tlsConfig  *tls.Config
	dialer     *net.Dialer
	socks      map[sockets.Socket]entry
	ops        map[trampoline.Token]*op
	closeHooks map[uint64]func()
	bindHost   string
	wg         sync.WaitGroup
	mu         sync.Mutex
	hookSeq    uint64
	next       int32
}

var (
	_ sockets.Host     = (*Host)(nil)
	_ sockets.Canceler = (*Host)(nil)
)

// New returns a Host that completes operations through d.
func New(d *trampoline.Dispatcher, opts ...Option) *Host {
	h := &Host{
		d:      d,
		dialer: &net.Dialer{},
		socks:  make(map[sockets.Socket]entry),
		ops:    make(map[trampoline.Token]*op),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Connect(host string, port uint16, token trampoline.Token) {
	ctx, cancel := context.WithCancel(context.Background())
	o := h.track(token, cancel, nil)
	h.spawn(func() {
		defer cancel()
		addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
		var (
			conn net.Conn
			err  error
		)
		if h.tlsConfig != nil {
			cfg := h.tlsConfig.Clone()
			if cfg.ServerName == "" {
				cfg.ServerName = host
			}
			d := &tls.Dialer{NetDialer: h.dialer, Config: cfg}
			conn, err = d.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = h.dialer.DialContext(ctx, "tcp", addr)
		}
		h.untrack(token, o)
		if err != nil {
			h.logger.Debug().Str(`addr`, addr).Err(err).Log(`connect failed`)
			h.d.NewSocket(0, CodeOf(err), token)
			return
		}
		h.d.NewSocket(int64(h.add(entry{conn: conn})), 0, token)
	})
}

func (h *Host) Listen(port uint16, token trampoline.Token) {
	h.spawn(func() {
		addr := net.JoinHostPort(h.bindHost, strconv.Itoa(int(port)))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			h.d.NewSocket(0, CodeOf(err), token)
			return
		}
		sock := h.add(entry{listener: l})
		h.logger.Debug().Str(`addr`, l.Addr().String()).Int64(`socket`, int64(sock)).Log(`listening`)
		h.d.NewSocket(int64(sock), 0, token)
	})
}

func (h *Host) Accept(listener sockets.Socket, token trampoline.Token) {
	e, ok := h.get(listener)
	if !ok || e.listener == nil {
		h.spawn(func() { h.d.NewSocket(0, errkind.NotConnected.Code(), token) })
		return
	}
	abort, restore := func() {}, func() {}
	if dl, ok := e.listener.(interface{ SetDeadline(time.Time) error }); ok {
		abort = func() { _ = dl.SetDeadline(aLongTimeAgo) }
		restore = func() { _ = dl.SetDeadline(time.Time{}) }
	}
	o := h.track(token, abort, restore)
	h.spawn(func() {
		conn, err := e.listener.Accept()
		h.untrack(token, o)
		if err != nil {
			h.d.NewSocket(0, CodeOf(err), token)
			return
		}
		h.d.NewSocket(int64(h.add(entry{conn: conn})), 0, token)
	})
}

// Close closes sock. Polls waiting on it are woken first, since the
// descriptor is held open while they run.
func (h *Host) Close(sock sockets.Socket) {
	h.mu.Lock()
	e, ok := h.socks[sock]
	delete(h.socks, sock)
	hooks := make([]func(), 0, len(h.closeHooks))
	for _, fn := range h.closeHooks {
		hooks = append(hooks, fn)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range hooks {
		fn()
	}
	var err error
	if e.conn != nil {
		err = e.conn.Close()
	} else {
		err = e.listener.Close()
	}
	if err != nil {
		h.logger.Debug().Int64(`socket`, int64(sock)).Err(err).Log(`close failed`)
	}
}

func (h *Host) Read(sock sockets.Socket, buf []byte, token trampoline.Token) {
	e, ok := h.get(sock)
	if !ok || e.conn == nil {
		h.spawn(func() { h.d.Read(0, errkind.NotConnected.Code(), token) })
		return
	}
	o := h.track(token,
		func() { _ = e.conn.SetReadDeadline(aLongTimeAgo) },
		func() { _ = e.conn.SetReadDeadline(time.Time{}) },
	)
	h.spawn(func() {
		n, err := e.conn.Read(buf)
		h.untrack(token, o)
		switch {
		case n > 0, err == nil, errors.Is(err, io.EOF):
			// data wins over a trailing error, which the next read reports
			h.d.Read(int64(n), 0, token)
		default:
			h.d.Read(0, CodeOf(err), token)
		}
	})
}

func (h *Host) Write(sock sockets.Socket, data []byte, token trampoline.Token) {
	e, ok := h.get(sock)
	if !ok || e.conn == nil {
		h.spawn(func() { h.d.Write(0, errkind.NotConnected.Code(), token) })
		return
	}
	h.spawn(func() {
		n, err := e.conn.Write(data)
		if err != nil && n == 0 {
			h.d.Write(0, CodeOf(err), token)
			return
		}
		h.d.Write(int64(n), 0, token)
	})
}

// Cancel aborts a connect, accept or read still blocked in the host. An
// aborted read or accept consumes nothing, and the socket stays usable.
// Writes are not cancellable, since a partial write cannot be undone.
func (h *Host) Cancel(token trampoline.Token) {
	h.mu.Lock()
	o := h.ops[token]
	h.mu.Unlock()
	if o != nil {
		o.cancel()
	}
}

// Addr returns the local address of sock.
func (h *Host) Addr(sock sockets.Socket) (net.Addr, bool) {
	e, ok := h.get(sock)
	switch {
	case !ok:
		return nil, false
	case e.conn != nil:
		return e.conn.LocalAddr(), true
	default:
		return e.listener.Addr(), true
	}
}

// Shutdown closes every open socket and waits for in-flight operations to
// report.
func (h *Host) Shutdown() {
	h.mu.Lock()
	ids := make([]sockets.Socket, 0, len(h.socks))
	for sock := range h.socks {
		ids = append(ids, sock)
	}
	h.mu.Unlock()
	for _, sock := range ids {
		h.Close(sock)
	}
	h.wg.Wait()
}

func (h *Host) track(token trampoline.Token, abort, restore func()) *op {
	o := &op{abort: abort, restore: restore}
	h.mu.Lock()
	h.ops[token] = o
	h.mu.Unlock()
	return o
}

func (h *Host) untrack(token trampoline.Token, o *op) {
	h.mu.Lock()
	delete(h.ops, token)
	h.mu.Unlock()
	o.finish()
}

// onClose registers fn to run on every Close until the returned function is
// called.
func (h *Host) onClose(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closeHooks == nil {
		h.closeHooks = make(map[uint64]func())
	}
	h.hookSeq++
	id := h.hookSeq
	h.closeHooks[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.closeHooks, id)
		h.mu.Unlock()
	}
}

func (h *Host) spawn(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

func (h *Host) add(e entry) sockets.Socket {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	sock := sockets.Socket(h.next)
	h.socks[sock] = e
	return sock
}

func (h *Host) get(sock sockets.Socket) (entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.socks[sock]
	return e, ok
}
