// Command netjs runs a script with socket access until all of its socket
// operations have settled.
//
//	netjs [-config netjs.toml] [-admin :9090] [-tls] script.js
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	jsrunner "github.com/boomhut/goja-netloop"
	"github.com/boomhut/goja-netloop/internal/certs"
	"github.com/boomhut/goja-netloop/internal/config"
	"github.com/boomhut/goja-netloop/internal/nethost"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "netjs:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("netjs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "TOML configuration file")
		adminAddr  = fs.String("admin", "", "serve /healthz and /stats on this address")
		logLevel   = fs.String("log-level", "", "trace, debug, info, warning or error")
		useTLS     = fs.Bool("tls", false, "dial connections over TLS")
		timeout    = fs.Duration("op-timeout", -1, "bound on each socket operation, 0 for none")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if fs.NArg() > 0 {
		cfg.Script = fs.Arg(0)
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *useTLS {
		cfg.Net.TLS = true
	}
	if *timeout >= 0 {
		cfg.Net.OpTimeout.Duration = *timeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Script == "" {
		fs.Usage()
		return errors.New("no script given")
	}

	logger := newLogger(stderr, cfg.LogLevel)

	hostOpts := []nethost.Option{
		nethost.WithBindHost(cfg.Net.BindHost),
		nethost.WithLogger(logger),
	}
	if cfg.Net.TLS {
		tlsConfig, err := certs.ClientConfig(cfg.Net.CertEnv)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		hostOpts = append(hostOpts, nethost.WithTLS(tlsConfig))
	}

	runner := jsrunner.New(
		jsrunner.WithLogger(logger),
		jsrunner.WithOpTimeout(cfg.Net.OpTimeout.Duration),
		jsrunner.WithMaxConcurrency(cfg.Net.MaxConcurrency),
		jsrunner.WithHost(func(d *jsrunner.Dispatcher, _ *logiface.Logger[logiface.Event]) jsrunner.Host {
			return nethost.New(d, hostOpts...)
		}),
	)
	defer runner.Close()

	if cfg.AdminAddr != "" {
		app := newAdmin(runner.Stats, time.Now())
		go func() {
			if err := app.Listen(cfg.AdminAddr); err != nil {
				logger.Err().Err(err).Str(`addr`, cfg.AdminAddr).Log(`admin server stopped`)
			}
		}()
		defer func() { _ = app.Shutdown() }()
	}

	start := time.Now()
	logger.Info().Str(`script`, cfg.Script).Log(`running script`)
	if err := runner.LoadScript(cfg.Script); err != nil {
		return err
	}
	if err := runner.Run(ctx); err != nil {
		return err
	}
	logger.Info().Dur(`elapsed`, time.Since(start)).Log(`script finished`)
	return nil
}

func newLogger(w io.Writer, level string) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(parseLevel(level)),
	).Logger()
}

func parseLevel(s string) logiface.Level {
	switch s {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "warning":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
