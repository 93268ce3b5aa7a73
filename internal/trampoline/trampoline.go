// Package trampoline routes host completion events to registered handlers.
//
// The host reports the completion of an asynchronous socket operation by
// calling one of three fixed entry points on a Dispatcher, passing the raw
// payload, a host error code, and the completion token that was supplied when
// the operation was issued. The Dispatcher maps the code, builds a Result and
// hands it to the handler installed for that slot.
//
// The handler table is written exactly once, via Init, before any operation is
// issued. A completion arriving before Init cannot be routed anywhere safely
// and is treated as a fatal protocol violation.
package trampoline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"github.com/boomhut/goja-netloop/internal/errkind"
)

// Token correlates an asynchronous request with its completion. Tokens are
// opaque to the host.
type Token uint64

// Slot identifies one of the three trampoline entry points.
type Slot uint8

const (
	SlotNewSocket Slot = iota + 1
	SlotRead
	SlotWrite
)

func (s Slot) String() string {
	switch s {
	case SlotNewSocket:
		return "new_socket"
	case SlotRead:
		return "read"
	case SlotWrite:
		return "write"
	default:
		return fmt.Sprintf("Slot(%d)", uint8(s))
	}
}

// Result is a completed host operation: either a payload (socket id or byte
// count) or an error, never both.
type Result struct {
	Err     error
	Payload int64
}

// Handler receives completions for one slot. It may be called from any
// goroutine.
type Handler func(token Token, res Result)

// Table holds the handler for each slot. All three must be set.
type Table struct {
	NewSocket Handler
	Read      Handler
	Write     Handler
}

var (
	// ErrAlreadyInitialized is returned by Init when a table is installed.
	ErrAlreadyInitialized = errors.New("trampoline: table already initialized")

	// ErrIncompleteTable is returned by Init when a slot has no handler.
	ErrIncompleteTable = errors.New("trampoline: table has an empty slot")
)

// ProtocolViolation is the panic value raised when the host breaks the
// completion protocol.
type ProtocolViolation struct {
	Reason string
	Slot   Slot
	Token  Token
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("trampoline: protocol violation on %s (token %d): %s", e.Slot, e.Token, e.Reason)
}

// Violate panics with a *ProtocolViolation.
func Violate(slot Slot, token Token, reason string) {
	panic(&ProtocolViolation{Slot: slot, Token: token, Reason: reason})
}

// Dispatcher is the per-runtime replacement for a process-wide trampoline
// table. The zero value is usable and uninitialized.
type Dispatcher struct {
	table  atomic.Pointer[Table]
	logger *logiface.Logger[logiface.Event]
}

// NewDispatcher returns an uninitialized Dispatcher that logs through logger,
// which may be nil.
func NewDispatcher(logger *logiface.Logger[logiface.Event]) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Init installs the handler table. It may succeed only once.
func (d *Dispatcher) Init(t Table) error {
	if t.NewSocket == nil || t.Read == nil || t.Write == nil {
		return ErrIncompleteTable
	}
	if !d.table.CompareAndSwap(nil, &t) {
		return ErrAlreadyInitialized
	}
	d.logger.Debug().Log(`trampoline table installed`)
	return nil
}

// Initialized reports whether Init has succeeded.
func (d *Dispatcher) Initialized() bool {
	return d.table.Load() != nil
}

// NewSocket is the completion entry point for connect, listen and accept.
// The payload is the new socket id.
func (d *Dispatcher) NewSocket(payload int64, code int32, token Token) {
	t := d.load(SlotNewSocket, token)
	t.NewSocket(token, d.result(SlotNewSocket, payload, code, token))
}

// Read is the completion entry point for read. The payload is the number of
// bytes read.
func (d *Dispatcher) Read(payload int64, code int32, token Token) {
	t := d.load(SlotRead, token)
	t.Read(token, d.result(SlotRead, payload, code, token))
}

// Write is the completion entry point for write. The payload is the number of
// bytes written.
func (d *Dispatcher) Write(payload int64, code int32, token Token) {
	t := d.load(SlotWrite, token)
	t.Write(token, d.result(SlotWrite, payload, code, token))
}

func (d *Dispatcher) load(slot Slot, token Token) *Table {
	t := d.table.Load()
	if t == nil {
		d.logger.Err().
			Stringer(`slot`, slot).
			Uint64(`token`, uint64(token)).
			Log(`completion before trampoline init`)
		Violate(slot, token, "completion delivered before init")
	}
	return t
}

func (d *Dispatcher) result(slot Slot, payload int64, code int32, token Token) Result {
	if err := errkind.New(slot.String(), code); err != nil {
		d.logger.Debug().
			Stringer(`slot`, slot).
			Uint64(`token`, uint64(token)).
			Int64(`code`, int64(code)).
			Err(err).
			Log(`host operation failed`)
		return Result{Err: err}
	}
	return Result{Payload: payload}
}
