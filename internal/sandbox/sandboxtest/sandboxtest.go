// Package sandboxtest provides a deterministic fake builder and archive
// helpers for tests that exercise the build sandbox without a Rust toolchain.
package sandboxtest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pendergraft/sorobanregistry/internal/sandbox"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Archive returns a gzipped tar holding files, written in name order
func Archive(t testing.TB, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range names {
		content := []byte(files[name])
		header := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(content)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("writing tar header: %v", err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("writing tar entry: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("closing gzip: %v", err)
	}
	return buf.Bytes()
}

// Contract returns a minimal source tree for a contract named name
func Contract(name string) map[string]string {
	return map[string]string{
		"Cargo.toml": "[package]\nname = \"" + name + "\"\nversion = \"0.1.0\"\n\n[lib]\ncrate-type = [\"cdylib\"]\n",
		"Cargo.lock": "version = 3\n",
		"src/lib.rs": "#![no_std]\npub fn " + name + "() {}\n",
	}
}

// Module returns a wasm module whose only section is a contract spec
// custom section carrying payload.
func Module(payload []byte) []byte {
	return appendCustom(append([]byte{}, wasmHeader...), "contractspecv0", payload)
}

// WithDebugInfo appends an external_debug_info custom section pointing at
// path, which normalisation strips.
func WithDebugInfo(module []byte, path string) []byte {
	return appendCustom(append([]byte{}, module...), "external_debug_info", []byte(path))
}

// Expected returns the normalised bytecode the fake builder produces for
// files under pin. Like a real release build it carries a producers section
// naming the toolchain.
func Expected(files map[string]string, pin string) []byte {
	h := sha256.New()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(files[name]))
		h.Write([]byte{0})
	}
	h.Write([]byte(pin))
	return appendCustom(Module(h.Sum(nil)), "producers", []byte("rustc "+pin))
}

// Builder is a fake sandbox.Builder. Its output is a pure function of the
// project files and the toolchain pin, wrapped with a debug info section
// naming the workspace so that only normalised output is stable.
type Builder struct {
	Delay            time.Duration
	Err              error
	MaxRSSKB         int64
	Nondeterministic bool
	Output           []byte // overrides the computed module when set

	mu    sync.Mutex
	calls int
	dirs  []string
}

var _ sandbox.Builder = (*Builder)(nil)

// Name returns the builder identifier
func (b *Builder) Name() string {
	return "fake"
}

// Calls returns the number of builds started
func (b *Builder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Workspaces returns the workspace of every build started
func (b *Builder) Workspaces() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dirs...)
}

// Build hashes the project tree into a module
func (b *Builder) Build(ctx context.Context, job sandbox.Job) (*sandbox.Output, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.dirs = append(b.dirs, job.Workspace)
	b.mu.Unlock()

	out := &sandbox.Output{Log: []byte("compiling " + job.Toolchain.Pin + "\n"), MaxRSSKB: b.MaxRSSKB}

	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			out.ExitCode = -1
			return out, ctx.Err()
		}
	}
	if b.Err != nil {
		out.ExitCode = 101
		return out, b.Err
	}
	if b.Output != nil {
		out.Wasm = b.Output
		return out, nil
	}

	files := make(map[string]string)
	err := filepath.WalkDir(job.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(job.Dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return out, err
	}

	pin := job.Toolchain.Pin
	if b.Nondeterministic {
		pin += string(rune('a' + call))
	}
	out.Wasm = WithDebugInfo(Expected(files, pin), filepath.Join(job.Workspace, "target", "debug.wasm"))
	return out, nil
}

func appendCustom(module []byte, name string, payload []byte) []byte {
	body := appendULEB(nil, uint64(len(name)))
	body = append(body, name...)
	body = append(body, payload...)
	module = append(module, 0)
	module = appendULEB(module, uint64(len(body)))
	return append(module, body...)
}

func appendULEB(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}
