// Package bundler turns TypeScript and ES module entry points into a single
// classic script the goja runtime can execute.
package bundler

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Options controls a bundle.
type Options struct {
	// External lists module names left as require calls, resolved at run
	// time by the runtime's module registry.
	External []string

	// Minify removes whitespace from the output.
	Minify bool

	// Define replaces global identifiers with constant expressions.
	Define map[string]string
}

// BundleFile bundles the entry at path with everything it imports.
func BundleFile(path string, opts Options) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("entry path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("bundle %s: %w", path, err)
	}
	return build(api.BuildOptions{EntryPoints: []string{abs}}, opts)
}

// BundleString bundles TypeScript source. Relative imports resolve against
// resolveDir.
func BundleString(code, resolveDir string, opts Options) (string, error) {
	if resolveDir == "" {
		resolveDir = "."
	}
	return build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   code,
			Loader:     api.LoaderTS,
			ResolveDir: resolveDir,
			Sourcefile: "stdin.ts",
		},
	}, opts)
}

func build(base api.BuildOptions, opts Options) (string, error) {
	base.Bundle = true
	base.Format = api.FormatIIFE
	base.Platform = api.PlatformNeutral
	base.Target = api.ES2017
	base.Write = false
	base.MinifyWhitespace = opts.Minify
	base.Define = opts.Define
	base.Plugins = []api.Plugin{externalPlugin(opts.External)}

	result := api.Build(base)
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("esbuild error: %s", formatMessage(result.Errors[0]))
	}
	if len(result.OutputFiles) == 0 {
		return "", errors.New("esbuild produced no output")
	}
	return string(result.OutputFiles[0].Contents), nil
}

// externalPlugin marks the named modules external by exact match, so that
// "net" is left alone while "./net" still resolves on disk.
func externalPlugin(names []string) api.Plugin {
	return api.Plugin{
		Name: "runtime-modules",
		Setup: func(build api.PluginBuild) {
			if len(names) == 0 {
				return
			}
			quoted := make([]string, len(names))
			for i, name := range names {
				quoted[i] = regexp.QuoteMeta(name)
			}
			filter := "^(" + strings.Join(quoted, "|") + ")$"
			build.OnResolve(api.OnResolveOptions{Filter: filter}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				return api.OnResolveResult{Path: args.Path, External: true}, nil
			})
		},
	}
}

func formatMessage(msg api.Message) string {
	if msg.Location == nil {
		return msg.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text)
}
