package sockets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/boomhut/goja-netloop/internal/errkind"
	"github.com/boomhut/goja-netloop/internal/trampoline"
)

// ErrClientClosed is returned by operations issued after Client.Shutdown.
var ErrClientClosed = errors.New("sockets: client shut down")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger attaches a structured logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithOpTimeout bounds every asynchronous operation. Zero disables the bound.
func WithOpTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

type sockState struct {
	idle chan struct{}
	// orphans are cancelled reads or accepts the host may still complete.
	// The next read or accept waits for them so that nothing they produce
	// is lost or reordered.
	orphans []*pending
	// carry holds bytes read by a cancelled read.
	carry []byte
	// backlog holds connections taken by a cancelled accept.
	backlog  []Socket
	inflight int
	closed   bool
}

// Client issues host socket operations and waits for their completions.
//
// A Client owns the trampoline table of its Dispatcher: NewClient installs the
// handlers, so exactly one Client may exist per Dispatcher. All methods are
// safe for concurrent use and block the calling goroutine only.
type Client struct {
	host    Host
	logger  *logiface.Logger[logiface.Event]
	socks   map[Socket]*sockState
	reg     registry
	timeout time.Duration
	mu      sync.Mutex
	down    bool
}

// NewClient binds a Client to host and installs its completion handlers on d.
func NewClient(d *trampoline.Dispatcher, host Host, opts ...ClientOption) (*Client, error) {
	if host == nil {
		return nil, errors.New("sockets: nil host")
	}
	c := &Client{
		host:  host,
		socks: make(map[Socket]*sockState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := d.Init(trampoline.Table{
		NewSocket: c.onNewSocket,
		Read:      c.onRead,
		Write:     c.onWrite,
	}); err != nil {
		return nil, fmt.Errorf("install trampolines: %w", err)
	}
	return c, nil
}

// Connect opens a stream connection to host:port.
func (c *Client) Connect(ctx context.Context, host string, port uint16) (Socket, error) {
	if host == "" {
		return -1, errkind.FromKind("connect", errkind.InvalidInput)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	p := newPending(trampoline.SlotNewSocket, "connect")
	token, err := c.issue(p)
	if err != nil {
		return -1, err
	}
	c.host.Connect(host, port, token)
	res, err := c.await(ctx, p, token)
	if err != nil {
		return -1, err
	}
	return Socket(res.Payload), nil
}

// Listen opens a listening socket on port.
func (c *Client) Listen(ctx context.Context, port uint16) (Socket, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	p := newPending(trampoline.SlotNewSocket, "listen")
	token, err := c.issue(p)
	if err != nil {
		return -1, err
	}
	c.host.Listen(port, token)
	res, err := c.await(ctx, p, token)
	if err != nil {
		return -1, err
	}
	return Socket(res.Payload), nil
}

// Accept waits for the next connection on listener. A connection taken by an
// earlier, cancelled Accept is returned first.
func (c *Client) Accept(ctx context.Context, listener Socket) (Socket, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.settle(ctx, listener, "accept"); err != nil {
		return -1, err
	}
	if sock, ok := c.takeBacklog(listener); ok {
		return sock, nil
	}
	p := newPending(trampoline.SlotNewSocket, "accept")
	if err := c.acquire(p, listener); err != nil {
		return -1, err
	}
	token, err := c.issue(p)
	if err != nil {
		c.release(listener)
		return -1, err
	}
	c.host.Accept(listener, token)
	res, err := c.await(ctx, p, token)
	if err != nil {
		return -1, err
	}
	return Socket(res.Payload), nil
}

// Read reads up to len(buf) bytes from sock. A zero count with a nil error
// means the peer closed its side.
//
// Overlapping reads on the same socket are not ordered by the protocol;
// callers serialize them. Bytes that arrived for an earlier, cancelled Read
// are returned first.
func (c *Client) Read(ctx context.Context, sock Socket, buf []byte) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.settle(ctx, sock, "read"); err != nil {
		return 0, err
	}
	if n, ok := c.takeCarry(sock, buf); ok {
		return n, nil
	}
	p := newPending(trampoline.SlotRead, "read")
	p.buf = buf
	if err := c.acquire(p, sock); err != nil {
		return 0, err
	}
	token, err := c.issue(p)
	if err != nil {
		c.release(sock)
		return 0, err
	}
	c.host.Read(sock, buf, token)
	res, err := c.await(ctx, p, token)
	if err != nil {
		return 0, err
	}
	n := int(res.Payload)
	if n < 0 || n > len(buf) {
		return 0, errkind.FromKind("read", errkind.InvalidData)
	}
	return n, nil
}

// Write writes data to sock, returning the number of bytes the host accepted.
func (c *Client) Write(ctx context.Context, sock Socket, data []byte) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	p := newPending(trampoline.SlotWrite, "write")
	if err := c.acquire(p, sock); err != nil {
		return 0, err
	}
	token, err := c.issue(p)
	if err != nil {
		c.release(sock)
		return 0, err
	}
	c.host.Write(sock, data, token)
	res, err := c.await(ctx, p, token)
	if err != nil {
		return 0, err
	}
	n := int(res.Payload)
	if n < 0 || n > len(data) {
		return 0, errkind.FromKind("write", errkind.InvalidData)
	}
	if n == 0 && len(data) != 0 {
		return 0, errkind.FromKind("write", errkind.WriteZero)
	}
	return n, nil
}

// Close closes sock and waits until every operation in flight on it has
// completed, so the handle is never reused while the host still holds it.
// New operations on sock fail with NotConnected as soon as Close is called.
func (c *Client) Close(ctx context.Context, sock Socket) error {
	c.mu.Lock()
	st, ok := c.socks[sock]
	if !ok || st.closed {
		c.mu.Unlock()
		return errkind.FromKind("close", errkind.NotConnected)
	}
	st.closed = true
	idle := st.idle
	if st.inflight == 0 {
		delete(c.socks, sock)
		close(idle)
	}
	backlog := st.backlog
	st.backlog, st.carry = nil, nil
	for _, s := range backlog {
		if bst, ok := c.socks[s]; ok {
			delete(c.socks, s)
			close(bst.idle)
		}
	}
	c.mu.Unlock()

	for _, s := range backlog {
		c.host.Close(s)
	}
	c.host.Close(sock)
	c.logger.Debug().Int64(`socket`, int64(sock)).Log(`socket closed`)

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return c.contextError("close", ctx.Err())
	}
}

// Poll blocks until one of subs is ready. When ctx carries a deadline, a clock
// subscription bounds the wait.
func (c *Client) Poll(ctx context.Context, subs []Subscription) ([]Event, error) {
	if len(subs) == 0 {
		return nil, errkind.FromKind("poll", errkind.InvalidInput)
	}
	var buffered []Event
	c.mu.Lock()
	for _, s := range subs {
		if s.Type == EventClock {
			continue
		}
		st, ok := c.socks[s.Socket]
		if !ok || st.closed {
			c.mu.Unlock()
			return nil, errkind.FromKind("poll", errkind.NotConnected)
		}
		if s.Type == EventRead && (len(st.carry) != 0 || len(st.backlog) != 0) {
			buffered = append(buffered, Event{UserData: s.UserData, Type: s.Type})
		}
	}
	c.mu.Unlock()
	if len(buffered) != 0 {
		return buffered, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		subs = append(subs[:len(subs):len(subs)], Subscription{
			Type:    EventClock,
			Timeout: max(time.Until(deadline), 0),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, c.contextError("poll", err)
	}

	events := make([]Event, len(subs))
	n, code := c.host.Poll(subs, events)
	if err := errkind.New("poll", code); err != nil {
		return nil, err
	}
	if n < 0 || n > len(events) {
		return nil, errkind.FromKind("poll", errkind.InvalidData)
	}
	return events[:n], nil
}

// Shutdown fails all subsequent operations with ErrClientClosed. Outstanding
// tokens still complete normally.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.down = true
	c.mu.Unlock()
}

// Stats is a point-in-time view of the client.
type Stats struct {
	Outstanding int
	OpenSockets int
}

// Stats reports outstanding tokens and tracked sockets.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	open := 0
	for _, st := range c.socks {
		if !st.closed {
			open++
		}
	}
	c.mu.Unlock()
	return Stats{Outstanding: c.reg.len(), OpenSockets: open}
}

func (c *Client) issue(p *pending) (trampoline.Token, error) {
	c.mu.Lock()
	down := c.down
	c.mu.Unlock()
	if down {
		return 0, ErrClientClosed
	}
	token := c.reg.issue(p)
	c.logger.Trace().
		Str(`op`, p.op).
		Uint64(`token`, uint64(token)).
		Log(`operation issued`)
	return token, nil
}

// acquire counts an operation against sock, failing if sock is not open.
func (c *Client) acquire(p *pending, sock Socket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.socks[sock]
	if !ok || st.closed {
		return errkind.FromKind(p.op, errkind.NotConnected)
	}
	st.inflight++
	p.sock = sock
	p.tracked = true
	return nil
}

func (c *Client) release(sock Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.socks[sock]
	if !ok {
		return
	}
	st.inflight--
	if st.inflight == 0 && st.closed {
		delete(c.socks, sock)
		close(st.idle)
	}
}

func (c *Client) track(sock Socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.socks[sock]; ok {
		c.logger.Warning().Int64(`socket`, int64(sock)).Log(`host reused a live socket id`)
	}
	c.socks[sock] = &sockState{idle: make(chan struct{})}
}

// withTimeout applies the client's operation timeout to ctx.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func (c *Client) await(ctx context.Context, p *pending, token trampoline.Token) (trampoline.Result, error) {
	var res trampoline.Result
	select {
	case res = <-p.done:
	case <-ctx.Done():
		if p.cancel() {
			c.orphan(p, token)
			return res, c.contextError(p.op, ctx.Err())
		}
		res = <-p.done
	}
	if res.Err != nil {
		return res, opError(p.op, res.Err)
	}
	return res, nil
}

// orphan records a cancelled read or accept against its socket and asks the
// host to abort it.
func (c *Client) orphan(p *pending, token trampoline.Token) {
	if p.tracked && p.slot != trampoline.SlotWrite {
		c.mu.Lock()
		if st, ok := c.socks[p.sock]; ok {
			st.orphans = append(st.orphans, p)
		}
		c.mu.Unlock()
	}
	if h, ok := c.host.(Canceler); ok {
		h.Cancel(token)
	}
}

// settle waits for the orphaned operations on sock to complete.
func (c *Client) settle(ctx context.Context, sock Socket, op string) error {
	c.mu.Lock()
	var orphans []*pending
	if st, ok := c.socks[sock]; ok {
		orphans, st.orphans = st.orphans, nil
	}
	c.mu.Unlock()

	for i, p := range orphans {
		select {
		case <-p.settled:
		case <-ctx.Done():
			c.mu.Lock()
			if st, ok := c.socks[sock]; ok {
				st.orphans = append(orphans[i:len(orphans):len(orphans)], st.orphans...)
			}
			c.mu.Unlock()
			return c.contextError(op, ctx.Err())
		}
	}
	return nil
}

func (c *Client) takeCarry(sock Socket, buf []byte) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.socks[sock]
	if !ok || st.closed || len(st.carry) == 0 || len(buf) == 0 {
		return 0, false
	}
	n := copy(buf, st.carry)
	st.carry = st.carry[n:]
	if len(st.carry) == 0 {
		st.carry = nil
	}
	return n, true
}

func (c *Client) takeBacklog(listener Socket) (Socket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.socks[listener]
	if !ok || st.closed || len(st.backlog) == 0 {
		return -1, false
	}
	sock := st.backlog[0]
	st.backlog = st.backlog[1:]
	return sock, true
}

// opError names the client operation in a host error. Host errors arrive
// named after their trampoline slot.
func opError(op string, err error) error {
	var e *errkind.Error
	if errors.As(err, &e) {
		named := *e
		named.Op = op
		return &named
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) contextError(op string, err error) error {
	kind := errkind.Interrupted
	if errors.Is(err, context.DeadlineExceeded) {
		kind = errkind.TimedOut
	}
	return fmt.Errorf("%w: %w", errkind.FromKind(op, kind), err)
}

func (c *Client) onNewSocket(token trampoline.Token, res trampoline.Result) {
	p := c.reg.take(trampoline.SlotNewSocket, token)
	if p.tracked {
		defer c.release(p.sock)
	}
	defer close(p.settled)
	if res.Err == nil {
		sock := Socket(res.Payload)
		if !p.claim() {
			c.adopt(p, sock)
			return
		}
		c.track(sock)
		p.done <- res
		return
	}
	c.deliver(p, token, res)
}

// adopt takes a socket whose waiter gave up. A connection from a cancelled
// accept is queued for the next Accept on its listener; any other socket has
// no owner and is closed.
func (c *Client) adopt(p *pending, sock Socket) {
	if p.op == "accept" {
		c.mu.Lock()
		st, ok := c.socks[p.sock]
		if ok && !st.closed {
			st.backlog = append(st.backlog, sock)
			c.socks[sock] = &sockState{idle: make(chan struct{})}
			c.mu.Unlock()
			c.logger.Debug().
				Int64(`listener`, int64(p.sock)).
				Int64(`socket`, int64(sock)).
				Log(`queued connection from cancelled accept`)
			return
		}
		c.mu.Unlock()
	}
	c.logger.Debug().
		Str(`op`, p.op).
		Int64(`socket`, int64(sock)).
		Log(`closing socket from cancelled operation`)
	c.host.Close(sock)
}

func (c *Client) onRead(token trampoline.Token, res trampoline.Result) {
	p := c.reg.take(trampoline.SlotRead, token)
	if p.tracked {
		defer c.release(p.sock)
	}
	defer close(p.settled)
	if p.claim() {
		p.done <- res
		return
	}
	if n := int(res.Payload); res.Err == nil && n > 0 && n <= len(p.buf) {
		c.mu.Lock()
		if st, ok := c.socks[p.sock]; ok && !st.closed {
			st.carry = append(st.carry, p.buf[:n]...)
		}
		c.mu.Unlock()
		c.logger.Debug().
			Int64(`socket`, int64(p.sock)).
			Int(`bytes`, n).
			Log(`kept data from cancelled read`)
		return
	}
	c.dropped(p, token)
}

func (c *Client) onWrite(token trampoline.Token, res trampoline.Result) {
	p := c.reg.take(trampoline.SlotWrite, token)
	if p.tracked {
		defer c.release(p.sock)
	}
	defer close(p.settled)
	c.deliver(p, token, res)
}

func (c *Client) deliver(p *pending, token trampoline.Token, res trampoline.Result) {
	if !p.claim() {
		c.dropped(p, token)
		return
	}
	p.done <- res
}

func (c *Client) dropped(p *pending, token trampoline.Token) {
	c.logger.Debug().
		Str(`op`, p.op).
		Uint64(`token`, uint64(token)).
		Log(`dropping completion of cancelled operation`)
}
