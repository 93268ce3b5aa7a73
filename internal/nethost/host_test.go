package nethost

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boomhut/goja-netloop/internal/errkind"
	"github.com/boomhut/goja-netloop/internal/sockets"
	"github.com/boomhut/goja-netloop/internal/trampoline"
)

func newLoopback(t *testing.T, opts ...Option) (*sockets.Client, *Host) {
	t.Helper()
	d := trampoline.NewDispatcher(nil)
	h := New(d, append([]Option{WithBindHost("127.0.0.1")}, opts...)...)
	c, err := sockets.NewClient(d, h, sockets.WithOpTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)
	return c, h
}

func portOf(t *testing.T, h *Host, sock sockets.Socket) uint16 {
	t.Helper()
	addr, ok := h.Addr(sock)
	require.True(t, ok)
	return uint16(addr.(*net.TCPAddr).Port)
}

func TestHost_echo(t *testing.T) {
	ctx := context.Background()
	c, h := newLoopback(t)

	l, err := c.Listen(ctx, 0)
	require.NoError(t, err)
	port := portOf(t, h, l)

	accepted := make(chan sockets.Socket, 1)
	go func() {
		s, err := c.Accept(ctx, l)
		if err == nil {
			accepted <- s
		}
		close(accepted)
	}()

	client, err := c.Connect(ctx, "127.0.0.1", port)
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	n, err := c.Write(ctx, client, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, err = c.Read(ctx, server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = c.Write(ctx, server, []byte("pong"))
	require.NoError(t, err)
	n, err = c.Read(ctx, client, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	require.NoError(t, c.Close(ctx, client))
	n, err = c.Read(ctx, server, buf)
	require.NoError(t, err)
	assert.Zero(t, n, "peer close reads as EOF")

	require.NoError(t, c.Close(ctx, server))
	require.NoError(t, c.Close(ctx, l))
	assert.Equal(t, sockets.Stats{}, c.Stats())
}

func TestHost_connectRefused(t *testing.T) {
	ctx := context.Background()
	c, h := newLoopback(t)
	l, err := c.Listen(ctx, 0)
	require.NoError(t, err)
	port := portOf(t, h, l)
	require.NoError(t, c.Close(ctx, l))

	_, err = c.Connect(ctx, "127.0.0.1", port)
	assert.True(t, errors.Is(err, errkind.ErrConnectionRefused), "%v", err)
}

func TestHost_listenAddrInUse(t *testing.T) {
	ctx := context.Background()
	c, h := newLoopback(t)
	l, err := c.Listen(ctx, 0)
	require.NoError(t, err)
	_, err = c.Listen(ctx, portOf(t, h, l))
	assert.Equal(t, errkind.AddrInUse, errkind.KindOf(err), "%v", err)
}

func TestHost_closeAbortsPendingAccept(t *testing.T) {
	ctx := context.Background()
	c, _ := newLoopback(t)
	l, err := c.Listen(ctx, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Accept(ctx, l)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().Outstanding == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Close(ctx, l))
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errkind.ErrNotConnected), "%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept never completed")
	}
}

func TestHost_unknownSocketCompletesWithError(t *testing.T) {
	d := trampoline.NewDispatcher(nil)
	h := New(d)
	got := make(chan trampoline.Result, 3)
	record := func(_ trampoline.Token, res trampoline.Result) { got <- res }
	require.NoError(t, d.Init(trampoline.Table{NewSocket: record, Read: record, Write: record}))

	h.Read(77, make([]byte, 1), 1)
	h.Write(77, []byte("x"), 2)
	h.Accept(77, 3)
	for i := 0; i < 3; i++ {
		res := <-got
		assert.True(t, errors.Is(res.Err, errkind.ErrNotConnected))
	}
	h.Close(77)
}

func TestHost_Poll(t *testing.T) {
	ctx := context.Background()
	c, h := newLoopback(t)
	l, err := c.Listen(ctx, 0)
	require.NoError(t, err)
	port := portOf(t, h, l)

	raw, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer raw.Close()

	events, err := c.Poll(ctx, []sockets.Subscription{{UserData: 1, Type: sockets.EventRead, Socket: l}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].UserData)
	assert.Zero(t, events[0].Code)

	server, err := c.Accept(ctx, l)
	require.NoError(t, err)

	start := time.Now()
	events, err = c.Poll(ctx, []sockets.Subscription{
		{UserData: 2, Type: sockets.EventRead, Socket: server},
		{UserData: 3, Type: sockets.EventClock, Timeout: 30 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []sockets.Event{{UserData: 3, Type: sockets.EventClock}}, events)

	_, err = raw.Write([]byte("x"))
	require.NoError(t, err)
	events, err = c.Poll(ctx, []sockets.Subscription{
		{UserData: 4, Type: sockets.EventRead, Socket: server},
		{UserData: 5, Type: sockets.EventClock, Timeout: 5 * time.Second},
	})
	require.NoError(t, err)
	assert.Equal(t, []sockets.Event{{UserData: 4, Type: sockets.EventRead}}, events)

	events, err = c.Poll(ctx, []sockets.Subscription{{UserData: 6, Type: sockets.EventWrite, Socket: server}})
	require.NoError(t, err)
	assert.Equal(t, []sockets.Event{{UserData: 6, Type: sockets.EventWrite}}, events)
}

func TestHost_tls(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure hello")
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	c, _ := newLoopback(t, WithTLS(&tls.Config{RootCAs: pool}))

	ctx := context.Background()
	sock, err := c.Connect(ctx, "127.0.0.1", uint16(addr.Port))
	require.NoError(t, err)
	_, err = c.Write(ctx, sock, []byte("GET / HTTP/1.0\r\nHost: 127.0.0.1\r\n\r\n"))
	require.NoError(t, err)

	var resp strings.Builder
	buf := make([]byte, 512)
	for {
		n, err := c.Read(ctx, sock, buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		resp.Write(buf[:n])
	}
	assert.True(t, strings.HasPrefix(resp.String(), "HTTP/1.0 200"), resp.String())
	assert.True(t, strings.HasSuffix(resp.String(), "secure hello"))
}

func TestHost_tlsUnknownAuthority(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)

	c, _ := newLoopback(t, WithTLS(&tls.Config{RootCAs: x509.NewCertPool()}))
	_, err := c.Connect(context.Background(), "127.0.0.1", uint16(addr.Port))
	assert.Equal(t, errkind.InvalidData, errkind.KindOf(err), "%v", err)
}

func TestKindOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want errkind.Kind
	}{
		{&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, errkind.ConnectionRefused},
		{&net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, errkind.ConnectionReset},
		{fmt.Errorf("write: %w", syscall.EPIPE), errkind.BrokenPipe},
		{net.ErrClosed, errkind.NotConnected},
		{os.ErrDeadlineExceeded, errkind.TimedOut},
		{context.DeadlineExceeded, errkind.TimedOut},
		{context.Canceled, errkind.Interrupted},
		{io.ErrUnexpectedEOF, errkind.UnexpectedEOF},
		{&net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, errkind.NotFound},
		{errors.New("mystery"), errkind.Other},
	} {
		assert.Equal(t, tc.want, KindOf(tc.err), "%v", tc.err)
	}
	assert.Zero(t, CodeOf(nil))
	assert.Equal(t, int32(errkind.ConnectionRefused), CodeOf(syscall.ECONNREFUSED))
}

// pair returns a listener and both ends of a connection accepted on it.
func pair(t *testing.T, c *sockets.Client, h *Host) (l, client, server sockets.Socket) {
	t.Helper()
	ctx := context.Background()
	l, err := c.Listen(ctx, 0)
	require.NoError(t, err)
	accepted := make(chan sockets.Socket, 1)
	go func() {
		s, err := c.Accept(ctx, l)
		if err == nil {
			accepted <- s
		}
		close(accepted)
	}()
	client, err = c.Connect(ctx, "127.0.0.1", portOf(t, h, l))
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	return l, client, server
}

func (h *Host) pendingOps() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ops)
}

func TestHost_cancelledReadKeepsStream(t *testing.T) {
	c, h := newLoopback(t)
	_, client, server := pair(t, c, h)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Read(ctx, server, make([]byte, 16))
	assert.True(t, errors.Is(err, errkind.ErrTimedOut), "%v", err)
	require.Eventually(t, func() bool { return h.pendingOps() == 0 }, time.Second, time.Millisecond)

	_, err = c.Write(context.Background(), client, []byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := c.Read(context.Background(), server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestHost_cancelledAcceptKeepsListener(t *testing.T) {
	c, h := newLoopback(t)
	l, err := c.Listen(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Accept(ctx, l)
	assert.True(t, errors.Is(err, errkind.ErrTimedOut), "%v", err)
	require.Eventually(t, func() bool { return h.pendingOps() == 0 }, time.Second, time.Millisecond)

	raw, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", portOf(t, h, l)))
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte("late"))
	require.NoError(t, err)

	server, err := c.Accept(context.Background(), l)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := c.Read(context.Background(), server, buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))

	h.Cancel(trampoline.Token(1 << 40))
}

func TestHost_PollWokenByClose(t *testing.T) {
	c, h := newLoopback(t)
	l, client, server := pair(t, c, h)

	hooks := func() int {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.closeHooks)
	}
	type polled struct {
		events []sockets.Event
		err    error
	}
	done := make(chan polled, 1)
	go func() {
		events, err := c.Poll(context.Background(), []sockets.Subscription{{UserData: 1, Type: sockets.EventRead, Socket: server}})
		done <- polled{events, err}
	}()
	require.Eventually(t, func() bool { return hooks() == 1 }, time.Second, time.Millisecond)

	// closing a socket the poll does not watch leaves it waiting
	require.NoError(t, c.Close(context.Background(), l))
	select {
	case r := <-done:
		t.Fatalf("poll returned after an unrelated close: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background(), server) }()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, []sockets.Event{{UserData: 1, Type: sockets.EventRead, Code: errkind.NotConnected.Code()}}, r.events)
	case <-time.After(5 * time.Second):
		t.Fatal("poll not woken by close")
	}
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked")
	}
	assert.Zero(t, hooks())
	require.NoError(t, c.Close(context.Background(), client))
}
