// Package jsrunner runs JavaScript on the goja runtime with asynchronous
// socket I/O.
//
// A Runner owns one interpreter. Native work started from script (socket
// operations, or any Go function passed to FutureToPromise) runs on its own
// goroutine and surfaces in script as a Promise. Settlement always happens
// back on the interpreter goroutine: completions are queued as jobs, and the
// runner's event loop drains them each time it is polled.
//
// Basic usage:
//
//	runner := jsrunner.New()
//	defer runner.Close()
//	v, err := runner.AwaitPromise(ctx, `
//	    const net = require('net');
//	    (async () => {
//	        const sock = await net.connect('example.com', 80);
//	        await sock.write('HEAD / HTTP/1.0\r\n\r\n');
//	        const buf = await sock.read(512);
//	        await sock.close();
//	        return buf.byteLength;
//	    })()
//	`)
//
// The synchronous API of earlier versions (LoadScript, Call, Eval and the
// Export helpers) is unchanged.
//
// A Runner is not safe for concurrent use. The goroutine calling its methods
// is the interpreter goroutine; only FutureToPromise computations and the
// socket host run elsewhere.
package jsrunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"

	"github.com/boomhut/goja-netloop/internal/bundler"
	"github.com/boomhut/goja-netloop/internal/eventloop"
	"github.com/boomhut/goja-netloop/internal/sockets"
	"github.com/boomhut/goja-netloop/internal/trampoline"
)

// Runner represents a JavaScript runtime environment that can execute scripts
// and drive their asynchronous socket operations to completion.
//
// Example:
//
//	runner := jsrunner.New(jsrunner.WithOpTimeout(5 * time.Second))
//	defer runner.Close()
//	runner.SetGlobal("target", "127.0.0.1")
//	if err := runner.LoadScript("client.js"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := runner.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Runner struct {
	vm      *goja.Runtime
	globals map[string]interface{}
	id      string
	logger  *logiface.Logger[logiface.Event]

	loop   *eventloop.Loop
	host   sockets.Host
	client *sockets.Client
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	jobs      []func() error
	fatal     error
	mu        sync.Mutex
	halted    atomic.Bool
	closeOnce sync.Once
}

// New creates and returns a new JavaScript runner with a fresh runtime
// environment, its own event loop, and a socket host. Without WithHost the
// host is backed by the Go net package.
//
// Each call to New creates an isolated environment: runners share neither
// globals nor sockets. Call Close to release the host.
//
// Example:
//
//	runner := jsrunner.New()
//	defer runner.Close()
//	runner.LoadScriptString(`var x = 42;`)
func New(opts ...Option) *Runner {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	r := &Runner{
		vm:      goja.New(),
		globals: make(map[string]interface{}),
		id:      uuid.NewString(),
		sem:     semaphore.NewWeighted(o.maxConcurrency),
	}
	r.logger = o.logger.Clone().Str(`runner`, r.id).Logger()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.loop = eventloop.New(
		eventloop.WithLogger(r.logger),
		eventloop.WithHighWater(o.highWater),
	)

	d := trampoline.NewDispatcher(r.logger)
	r.host = o.host(d, r.logger)
	client, err := sockets.NewClient(d, r.host,
		sockets.WithLogger(r.logger),
		sockets.WithOpTimeout(o.opTimeout),
	)
	if err != nil {
		// only reachable through a host factory that returned nil
		panic(fmt.Errorf("jsrunner: %w", err))
	}
	r.client = client

	r.vm.SetPromiseRejectionTracker(r.trackRejection)

	registry := require.NewRegistry()
	registry.RegisterNativeModule(NetModuleName, r.requireNet)
	if o.console != nil {
		registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(o.console))
	} else {
		registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&logPrinter{logger: r.logger}))
	}
	registry.Enable(r.vm)
	console.Enable(r.vm)

	for k, v := range o.globals {
		r.SetGlobal(k, v)
	}

	r.logger.Debug().Log(`runner started`)
	return r
}

// NewWithGlobals creates a new runner with the provided global variables.
// It is shorthand for New(WithGlobals(globals)).
//
// To share mutable state between runners, pass pointers to Go objects and
// synchronize access to them. Each runner still has its own JavaScript
// environment.
func NewWithGlobals(globals map[string]interface{}, opts ...Option) *Runner {
	return New(append([]Option{WithGlobals(globals)}, opts...)...)
}

// SetGlobal sets a global variable in the JavaScript environment with the
// specified name and value.
//
// Supported value types include basic types, slices, maps, structs and
// functions; they are converted by goja's usual rules.
//
// Example:
//
//	runner.SetGlobal("apiUrl", "https://api.example.com")
//	runner.SetGlobal("timeout", 30)
func (r *Runner) SetGlobal(name string, value interface{}) {
	r.globals[name] = value
	r.vm.Set(name, value)
}

// LoadScript loads and executes a JavaScript file from the specified filepath.
//
// Plain .js and .cjs files run as they are, so their top level declarations
// become globals usable with Call. TypeScript and ES module entries (.ts,
// .mts, .tsx, .mjs) are first bundled into a single script with esbuild;
// their imports are resolved relative to the file, and "net" and "console"
// are left to require.
//
// Returns an error if the file cannot be read or bundled, or if the script
// throws while executing.
func (r *Runner) LoadScript(path string) error {
	var code string
	switch filepath.Ext(path) {
	case ".ts", ".mts", ".tsx", ".mjs":
		bundle, err := bundler.BundleFile(path, bundler.Options{External: []string{NetModuleName, console.ModuleName}})
		if err != nil {
			return fmt.Errorf("failed to bundle script: %w", err)
		}
		code = bundle
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read script file: %w", err)
		}
		code = string(b)
	}

	if _, err := r.vm.RunScript(path, code); err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	return nil
}

// LoadScriptString loads and executes JavaScript code from a string.
//
// Example:
//
//	err := runner.LoadScriptString(`
//	    function greet(name) {
//	        return "Hello, " + name + "!";
//	    }
//	`)
func (r *Runner) LoadScriptString(code string) error {
	_, err := r.vm.RunString(code)
	if err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	return nil
}

// Call invokes a global JavaScript function with the provided arguments,
// converted from Go by goja's usual rules. A returned promise is not awaited;
// see AwaitPromise.
//
// Example:
//
//	runner.LoadScriptString(`function add(a, b) { return a + b; }`)
//	result, err := runner.Call("add", 5, 3)
//	sum := jsrunner.ExportInt(result) // 8
//
// Returns an error if the function does not exist or throws.
func (r *Runner) Call(functionName string, args ...interface{}) (goja.Value, error) {
	fn, ok := goja.AssertFunction(r.vm.Get(functionName))
	if !ok {
		return nil, fmt.Errorf("failed to call function %s: not a function", functionName)
	}
	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		jsArgs[i] = r.vm.ToValue(arg)
	}
	result, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to call function %s: %w", functionName, err)
	}
	return result, nil
}

// Eval evaluates a JavaScript expression and returns the result.
//
// Example:
//
//	runner.SetGlobal("x", 10)
//	result, err := runner.Eval("x * 2 + 5")
//	value := jsrunner.ExportInt(result) // 25
func (r *Runner) Eval(expression string) (goja.Value, error) {
	result, err := r.vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return result, nil
}

// GetVM returns the underlying goja.Runtime for advanced usage. It must only
// be used from the interpreter goroutine.
func (r *Runner) GetVM() *goja.Runtime {
	return r.vm
}

// ID is the runner's instance id, attached to every log line it writes.
func (r *Runner) ID() string {
	return r.id
}

// Close interrupts outstanding native work, closes every socket the host
// holds, and waits for all computations started by FutureToPromise to return.
// Promises still pending stay pending. Close is idempotent.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.client.Shutdown()
		if s, ok := r.host.(interface{ Shutdown() }); ok {
			s.Shutdown()
		}
		r.wg.Wait()
		r.logger.Debug().Log(`runner closed`)
	})
	return nil
}

// ExportString converts a goja.Value to a Go string. A nil value is "".
//
// Example:
//
//	result, _ := runner.Eval("42")
//	str := jsrunner.ExportString(result) // "42"
func ExportString(val goja.Value) string {
	if val == nil {
		return ""
	}
	return val.String()
}

// ExportInt converts a goja.Value to a Go int64, truncating numbers. A nil
// value is 0.
func ExportInt(val goja.Value) int64 {
	if val == nil {
		return 0
	}
	return val.ToInteger()
}

// ExportFloat converts a goja.Value to a Go float64. A nil value is 0.
func ExportFloat(val goja.Value) float64 {
	if val == nil {
		return 0
	}
	return val.ToFloat()
}

// ExportBool converts a goja.Value to a Go bool using JavaScript's truthiness
// rules. A nil value is false.
func ExportBool(val goja.Value) bool {
	if val == nil {
		return false
	}
	return val.ToBoolean()
}

// Export converts a goja.Value to its natural Go representation: strings,
// float64 or int64 numbers, bools, []interface{} for arrays and
// map[string]interface{} for objects. A nil value, null and undefined are nil.
//
// Example:
//
//	result, _ := runner.Eval("({name: 'John', age: 30})")
//	obj := jsrunner.Export(result).(map[string]interface{})
func Export(val goja.Value) interface{} {
	if val == nil {
		return nil
	}
	return val.Export()
}

func (r *Runner) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	if op != goja.PromiseRejectionReject {
		return
	}
	r.logger.Debug().
		Str(`reason`, p.Result().String()).
		Log(`promise rejected without a handler`)
}
