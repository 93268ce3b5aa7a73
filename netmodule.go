package jsrunner

import (
	"bytes"
	"context"
	"math"
	"net"
	"time"

	"github.com/dop251/goja"

	"github.com/boomhut/goja-netloop/internal/errkind"
	"github.com/boomhut/goja-netloop/internal/sockets"
)

// NetModuleName is the name scripts require the socket module by.
const NetModuleName = "net"

const (
	defaultReadSize = 64 << 10
	maxReadSize     = 16 << 20
)

// requireNet is the require.ModuleLoader for the net module:
//
//	connect(host, port)   -> Promise<Socket>
//	listen(port)          -> Promise<Listener>
//	poll(socket, options) -> Promise<string[]>
//
// A Socket has id, read(n), write(data) and close(); a Listener has id,
// accept() and close(). Both carry address and port when the host knows
// them. Failures reject with an Error carrying kind (such as
// "ConnectionRefused") and code properties.
func (r *Runner) requireNet(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)

	_ = exports.Set("connect", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		port := r.portArg(call.Argument(1))
		return r.promise(func(ctx context.Context) (any, error) {
			sock, err := r.client.Connect(ctx, host, port)
			if err != nil {
				return nil, err
			}
			return r.socketValue(sock), nil
		})
	})

	_ = exports.Set("listen", func(call goja.FunctionCall) goja.Value {
		port := r.portArg(call.Argument(0))
		return r.promise(func(ctx context.Context) (any, error) {
			sock, err := r.client.Listen(ctx, port)
			if err != nil {
				return nil, err
			}
			return r.listenerValue(sock), nil
		})
	})

	_ = exports.Set("poll", func(call goja.FunctionCall) goja.Value {
		subs := r.pollArgs(call.Argument(0), call.Argument(1))
		return r.promise(func(ctx context.Context) (any, error) {
			events, err := r.client.Poll(ctx, subs)
			if err != nil {
				return nil, err
			}
			ready := make([]any, 0, len(events))
			for _, ev := range events {
				if err := errkind.New("poll", ev.Code); err != nil {
					return nil, err
				}
				name, ok := pollNames[ev.UserData]
				if !ok {
					name = pollNames[pollTimeout]
				}
				ready = append(ready, name)
			}
			return ValueFunc(func(vm *goja.Runtime) goja.Value {
				return vm.NewArray(ready...)
			}), nil
		})
	})

	kinds := vm.NewObject()
	for _, k := range errkind.Kinds() {
		_ = kinds.Set(k.String(), k.Code())
	}
	_ = exports.Set("errorKinds", kinds)
}

func (r *Runner) promise(fn Future) goja.Value {
	return r.vm.ToValue(r.FutureToPromise(fn))
}

func (r *Runner) socketValue(sock sockets.Socket) ValueFunc {
	return func(vm *goja.Runtime) goja.Value {
		obj := r.handleObject(vm, sock)

		_ = obj.Set("read", func(call goja.FunctionCall) goja.Value {
			size := defaultReadSize
			if arg := call.Argument(0); !goja.IsUndefined(arg) {
				n := arg.ToInteger()
				if n < 1 || n > maxReadSize {
					panic(vm.NewTypeError("read size out of range: %d", n))
				}
				size = int(n)
			}
			return r.promise(func(ctx context.Context) (any, error) {
				buf := make([]byte, size)
				n, err := r.client.Read(ctx, sock, buf)
				if err != nil {
					return nil, err
				}
				return ValueFunc(func(vm *goja.Runtime) goja.Value {
					return vm.ToValue(vm.NewArrayBuffer(buf[:n]))
				}), nil
			})
		})

		_ = obj.Set("write", func(call goja.FunctionCall) goja.Value {
			data := r.bytesArg(call.Argument(0))
			return r.promise(func(ctx context.Context) (any, error) {
				return r.client.Write(ctx, sock, data)
			})
		})

		_ = obj.Set("close", r.closeFunc(sock))
		return obj
	}
}

func (r *Runner) listenerValue(sock sockets.Socket) ValueFunc {
	return func(vm *goja.Runtime) goja.Value {
		obj := r.handleObject(vm, sock)
		_ = obj.Set("accept", func(goja.FunctionCall) goja.Value {
			return r.promise(func(ctx context.Context) (any, error) {
				conn, err := r.client.Accept(ctx, sock)
				if err != nil {
					return nil, err
				}
				return r.socketValue(conn), nil
			})
		})
		_ = obj.Set("close", r.closeFunc(sock))
		return obj
	}
}

// handleObject starts a socket or listener object. Hosts that can report
// local addresses add address and port properties.
func (r *Runner) handleObject(vm *goja.Runtime, sock sockets.Socket) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("id", int32(sock))
	if h, ok := r.host.(interface {
		Addr(sockets.Socket) (net.Addr, bool)
	}); ok {
		if addr, ok := h.Addr(sock); ok {
			_ = obj.Set("address", addr.String())
			if tcp, ok := addr.(*net.TCPAddr); ok {
				_ = obj.Set("port", tcp.Port)
			}
		}
	}
	return obj
}

func (r *Runner) closeFunc(sock sockets.Socket) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		return r.promise(func(ctx context.Context) (any, error) {
			return nil, r.client.Close(ctx, sock)
		})
	}
}

func (r *Runner) portArg(v goja.Value) uint16 {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(r.vm.NewTypeError("port is required"))
	}
	n := v.ToInteger()
	if n < 0 || n > 0xffff {
		panic(r.vm.NewTypeError("port out of range: %d", n))
	}
	return uint16(n)
}

// bytesArg copies a string, ArrayBuffer or Uint8Array argument. The copy is
// what the host reads, so the script may reuse its buffer immediately.
func (r *Runner) bytesArg(v goja.Value) []byte {
	switch x := v.Export().(type) {
	case string:
		return []byte(x)
	case []byte:
		return bytes.Clone(x)
	case goja.ArrayBuffer:
		return bytes.Clone(x.Bytes())
	}
	panic(r.vm.NewTypeError("expected a string, ArrayBuffer or Uint8Array"))
}

var pollNames = map[uint64]string{
	pollRead:    "read",
	pollWrite:   "write",
	pollTimeout: "timeout",
}

// User data 0 is left to the clock Client.Poll adds for a context deadline.
const (
	pollRead uint64 = iota + 1
	pollWrite
	pollTimeout
)

// pollArgs converts poll(socket, {read, write, timeout}) into subscriptions.
// Read readiness is the default; timeout is in milliseconds.
func (r *Runner) pollArgs(sockArg, optsArg goja.Value) []sockets.Subscription {
	if goja.IsUndefined(sockArg) || goja.IsNull(sockArg) {
		panic(r.vm.NewTypeError("socket is required"))
	}
	id := sockArg
	if obj, ok := sockArg.(*goja.Object); ok {
		if id = obj.Get("id"); id == nil {
			panic(r.vm.NewTypeError("socket has no id"))
		}
	}
	sock := id.ToInteger()
	if sock < math.MinInt32 || sock > math.MaxInt32 {
		panic(r.vm.NewTypeError("socket id out of range: %d", sock))
	}

	var opts struct {
		Read    bool
		Write   bool
		Timeout *float64
	}
	if !goja.IsUndefined(optsArg) && !goja.IsNull(optsArg) {
		o := optsArg.ToObject(r.vm)
		opts.Read = o.Get("read") != nil && o.Get("read").ToBoolean()
		opts.Write = o.Get("write") != nil && o.Get("write").ToBoolean()
		if t := o.Get("timeout"); t != nil && !goja.IsUndefined(t) {
			ms := t.ToFloat()
			opts.Timeout = &ms
		}
	}
	if !opts.Read && !opts.Write {
		opts.Read = true
	}

	var subs []sockets.Subscription
	if opts.Read {
		subs = append(subs, sockets.Subscription{UserData: pollRead, Type: sockets.EventRead, Socket: sockets.Socket(sock)})
	}
	if opts.Write {
		subs = append(subs, sockets.Subscription{UserData: pollWrite, Type: sockets.EventWrite, Socket: sockets.Socket(sock)})
	}
	if opts.Timeout != nil {
		subs = append(subs, sockets.Subscription{
			UserData: pollTimeout,
			Type:     sockets.EventClock,
			Timeout:  time.Duration(max(*opts.Timeout, 0) * float64(time.Millisecond)),
		})
	}
	return subs
}
