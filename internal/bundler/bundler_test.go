package bundler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

// run executes a bundle with a require that records the names it is asked
// for and returns {port: 7}.
func run(t *testing.T, bundle string) (*goja.Runtime, []string) {
	t.Helper()
	vm := goja.New()
	var required []string
	require.NoError(t, vm.Set("require", func(call goja.FunctionCall) goja.Value {
		required = append(required, call.Argument(0).String())
		mod := vm.NewObject()
		_ = mod.Set("port", 7)
		return mod
	}))
	_, err := vm.RunString(bundle)
	require.NoError(t, err)
	return vm, required
}

func TestBundleFile(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"main.ts": `
import * as net from 'net';
import { double } from './util';

const n: number = double(net.port);
(globalThis as any).result = n;
`,
		"util.ts": `export const double = (x: number): number => x * 2;`,
	})

	bundle, err := BundleFile(filepath.Join(dir, "main.ts"), Options{External: []string{"net"}})
	require.NoError(t, err)

	vm, required := run(t, bundle)
	assert.Equal(t, int64(14), vm.Get("result").ToInteger())
	assert.Equal(t, []string{"net"}, required)
}

func TestBundleFile_localModuleNamedLikeExternal(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"main.mjs": `import { port } from './net.mjs'; globalThis.result = port;`,
		"net.mjs":  `export const port = 99;`,
	})

	bundle, err := BundleFile(filepath.Join(dir, "main.mjs"), Options{External: []string{"net"}})
	require.NoError(t, err)

	vm, required := run(t, bundle)
	assert.Equal(t, int64(99), vm.Get("result").ToInteger())
	assert.Empty(t, required)
}

func TestBundleString(t *testing.T) {
	bundle, err := BundleString(`
const x: number = LIMIT;
(globalThis as any).result = x + 1;
`, "", Options{Define: map[string]string{"LIMIT": "41"}, Minify: true})
	require.NoError(t, err)

	vm, _ := run(t, bundle)
	assert.Equal(t, int64(42), vm.Get("result").ToInteger())
}

func TestBundle_errors(t *testing.T) {
	_, err := BundleFile("", Options{})
	assert.Error(t, err)

	_, err = BundleFile(filepath.Join(t.TempDir(), "missing.ts"), Options{})
	assert.Error(t, err)

	_, err = BundleString(`import 'net';`, "", Options{})
	assert.ErrorContains(t, err, "esbuild error")

	_, err = BundleString(`const = ;`, "", Options{})
	assert.ErrorContains(t, err, "stdin.ts")
}
