package jsrunner

import (
	"time"

	"github.com/dop251/goja_nodejs/console"
	"github.com/joeycumines/logiface"

	"github.com/boomhut/goja-netloop/internal/nethost"
	"github.com/boomhut/goja-netloop/internal/sockets"
	"github.com/boomhut/goja-netloop/internal/trampoline"
)

type (
	// Host performs socket I/O on behalf of a Runner and reports completions
	// through the Dispatcher it was built with.
	Host = sockets.Host

	// Dispatcher routes host completions to the runner that issued them.
	Dispatcher = trampoline.Dispatcher

	// HostFactory builds the Host for a new Runner.
	HostFactory func(d *Dispatcher, logger *logiface.Logger[logiface.Event]) Host
)

// Option configures a Runner.
type Option func(*options)

type options struct {
	logger         *logiface.Logger[logiface.Event]
	host           HostFactory
	console        console.Printer
	globals        map[string]interface{}
	opTimeout      time.Duration
	maxConcurrency int64
	highWater      int
}

func defaultOptions() *options {
	return &options{
		host: func(d *Dispatcher, logger *logiface.Logger[logiface.Event]) Host {
			return nethost.New(d, nethost.WithLogger(logger))
		},
		maxConcurrency: 256,
		highWater:      1024,
	}
}

// WithLogger attaches a structured logger. Script console output is written
// to it unless WithConsole is used.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(o *options) { o.logger = logger }
}

// WithHost replaces the socket host. The factory receives the Dispatcher the
// host must complete operations through.
func WithHost(factory HostFactory) Option {
	return func(o *options) {
		if factory != nil {
			o.host = factory
		}
	}
}

// WithConsole sends script console output to p instead of the logger.
func WithConsole(p console.Printer) Option {
	return func(o *options) { o.console = p }
}

// WithGlobals sets global variables before any script runs.
func WithGlobals(globals map[string]interface{}) Option {
	return func(o *options) { o.globals = globals }
}

// WithOpTimeout bounds every socket operation. An expired operation rejects
// with kind TimedOut. Zero, the default, disables the bound.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) { o.opTimeout = d }
}

// WithMaxConcurrency bounds the number of FutureToPromise computations
// running at once. Excess computations wait their turn.
func WithMaxConcurrency(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithHighWater sets the pending task count at whose multiples the event
// loop logs a warning. Zero disables the warning.
func WithHighWater(n int) Option {
	return func(o *options) { o.highWater = n }
}
