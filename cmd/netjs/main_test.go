package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsrunner "github.com/boomhut/goja-netloop"
)

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun_script(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		got <- string(b)
	}()

	script := writeScript(t, "send.ts", `
import * as net from 'net';

const port: number = `+strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)+`;
(async () => {
	const sock = await net.connect('127.0.0.1', port);
	await sock.write('from netjs');
	await sock.close();
	console.log('sent');
})();
`)

	var stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, []string{"-log-level", "debug", script}, &stderr))

	select {
	case s := <-got:
		assert.Equal(t, "from netjs", s)
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
	}
	assert.Contains(t, stderr.String(), `"msg":"sent"`)
	assert.Contains(t, stderr.String(), `"msg":"script finished"`)
}

func TestRun_config(t *testing.T) {
	script := writeScript(t, "noop.js", `var done = true;`)
	cfg := writeScript(t, "netjs.toml", "script = "+strconv.Quote(script)+"\nlog_level = \"error\"\n")

	var stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg}, &stderr))
	assert.Empty(t, stderr.String())
}

func TestRun_errors(t *testing.T) {
	var stderr bytes.Buffer
	ctx := context.Background()

	assert.ErrorContains(t, run(ctx, nil, &stderr), "no script")
	assert.Error(t, run(ctx, []string{"-log-level", "loud", "x.js"}, &stderr))
	assert.Error(t, run(ctx, []string{filepath.Join(t.TempDir(), "missing.js")}, &stderr))

	t.Setenv("NETJS_TEST_NO_CERTS", "")
	cfg := writeScript(t, "tls.toml", "[net]\ntls = true\ncert_env = \"NETJS_TEST_NO_CERTS\"\n")
	assert.ErrorContains(t, run(ctx, []string{"-config", cfg, "x.js"}, &stderr), "tls")
}

func TestAdmin(t *testing.T) {
	want := jsrunner.Stats{Tasks: 3, Outstanding: 2, OpenSockets: 1}
	app := newAdmin(func() jsrunner.Stats { return want }, time.Now().Add(-time.Second))

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = app.Test(httptest.NewRequest("GET", "/stats", nil))
	require.NoError(t, err)
	var payload struct {
		Runner   jsrunner.Stats `json:"runner"`
		UptimeMs int64          `json:"uptimeMs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, want, payload.Runner)
	assert.GreaterOrEqual(t, payload.UptimeMs, int64(1000))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logiface.Level{
		"trace":   logiface.LevelTrace,
		"debug":   logiface.LevelDebug,
		"info":    logiface.LevelInformational,
		"warning": logiface.LevelWarning,
		"error":   logiface.LevelError,
	} {
		assert.Equal(t, want, parseLevel(in), in)
	}
	assert.Equal(t, logiface.LevelInformational, parseLevel("unknown"))
}
