// Package sockets implements the asynchronous socket protocol spoken with the
// host: six primitives (connect, listen, accept, close, read, write), a
// readiness poll, and the completion-token contract that ties each issued
// operation to exactly one trampoline firing.
package sockets

import (
	"time"

	"github.com/boomhut/goja-netloop/internal/trampoline"
)

// Socket is a host socket handle. It is valid from the new-socket completion
// that produced it until Close.
type Socket int32

// Host is the boundary to the environment that performs socket I/O.
//
// Every method except Close and Poll returns immediately. The result of an
// asynchronous call is delivered later, on any goroutine, by invoking the
// matching trampoline entry point exactly once with the token passed in:
// Dispatcher.NewSocket for Connect, Listen and Accept, Dispatcher.Read for
// Read, and Dispatcher.Write for Write. The host must not retain buf or data
// after firing the trampoline.
//
// Close is fire-and-forget and has no completion. Poll blocks until at least
// one subscription is ready and returns the number of events written, or a
// nonzero host error code.
type Host interface {
	Connect(host string, port uint16, token trampoline.Token)
	Listen(port uint16, token trampoline.Token)
	Accept(listener Socket, token trampoline.Token)
	Close(sock Socket)
	Read(sock Socket, buf []byte, token trampoline.Token)
	Write(sock Socket, data []byte, token trampoline.Token)
	Poll(subs []Subscription, events []Event) (n int, code int32)
}

// Canceler is implemented by hosts that can abort an operation still blocked
// in the host. Cancel makes the operation issued with token complete
// promptly, with an error unless it had already produced a result. Unknown
// and completed tokens are ignored.
//
// Without it, a cancelled read or accept keeps waiting in the host and its
// eventual result is handed to the next read or accept on that socket.
type Canceler interface {
	Cancel(token trampoline.Token)
}

// EventType is the kind of readiness a Subscription waits for.
type EventType uint8

const (
	EventClock EventType = iota + 1
	EventRead
	EventWrite
)

func (t EventType) String() string {
	switch t {
	case EventClock:
		return "clock"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Subscription is one input to Host.Poll. Clock subscriptions use Timeout,
// read and write subscriptions use Socket.
type Subscription struct {
	UserData uint64
	Timeout  time.Duration
	Socket   Socket
	Type     EventType
}

// Event is one output of Host.Poll. A nonzero Code reports a per-subscription
// failure, using the same codes as the trampolines.
type Event struct {
	UserData uint64
	Code     int32
	Type     EventType
}
