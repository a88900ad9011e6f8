// Package cargo provides the cargo builder for Soroban contracts.
package cargo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pendergraft/sorobanregistry/internal/sandbox"
)

// waitDelay bounds how long output pipes may stay open after cancellation
const waitDelay = 5 * time.Second

// Builder implements sandbox.Builder by invoking cargo through rustup
type Builder struct {
	cargoPath string
}

// New creates a new cargo builder. An empty path resolves cargo from PATH.
func New(cargoPath string) *Builder {
	if cargoPath == "" {
		cargoPath = "cargo"
	}
	return &Builder{cargoPath: cargoPath}
}

// Name returns the builder identifier
func (b *Builder) Name() string {
	return "cargo"
}

// Args returns the cargo arguments for a toolchain
func (b *Builder) Args(tc sandbox.Toolchain) []string {
	return []string{
		"+" + tc.Rustc,
		"build",
		"--target", tc.Target,
		"--profile", tc.Profile,
		"--locked",
		"--offline",
	}
}

// Build runs cargo in job.Dir and returns the single cdylib it produced
func (b *Builder) Build(ctx context.Context, job sandbox.Job) (*sandbox.Output, error) {
	// #nosec G204 -- arguments come from the toolchain allowlist
	cmd := exec.CommandContext(ctx, b.cargoPath, b.Args(job.Toolchain)...)
	cmd.Dir = job.Dir
	cmd.Env = job.Env
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay

	logBuf := &tailBuffer{max: job.MaxLogBytes}
	cmd.Stdout = logBuf
	cmd.Stderr = logBuf
	configureProcess(cmd)

	runErr := cmd.Run()
	out := &sandbox.Output{
		Log:      logBuf.Bytes(),
		MaxRSSKB: maxRSSKB(cmd.ProcessState),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if _, ok := runErr.(*exec.ExitError); ok {
			return out, &sandbox.BuildError{
				Kind:    sandbox.KindCompile,
				Message: fmt.Sprintf("cargo exited with status %d", out.ExitCode),
			}
		}
		return out, fmt.Errorf("running cargo: %w", runErr)
	}

	wasm, err := findArtifact(targetDir(job), job.Toolchain)
	if err != nil {
		return out, err
	}
	out.Wasm = wasm
	return out, nil
}

func targetDir(job sandbox.Job) string {
	for _, kv := range job.Env {
		if v, ok := strings.CutPrefix(kv, "CARGO_TARGET_DIR="); ok {
			return v
		}
	}
	return filepath.Join(job.Dir, "target")
}

// findArtifact returns the single .wasm file in the profile output directory
func findArtifact(target string, tc sandbox.Toolchain) ([]byte, error) {
	dir := filepath.Join(target, tc.Target, tc.Profile)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &sandbox.BuildError{Kind: sandbox.KindCompile, Message: "no build output", Err: err}
	}

	var wasm []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".wasm") {
			wasm = append(wasm, e.Name())
		}
	}
	sort.Strings(wasm)

	switch len(wasm) {
	case 0:
		return nil, &sandbox.BuildError{Kind: sandbox.KindCompile, Message: fmt.Sprintf("no .wasm artifact in %s/%s", tc.Target, tc.Profile)}
	case 1:
		return os.ReadFile(filepath.Join(dir, wasm[0]))
	default:
		return nil, &sandbox.BuildError{Kind: sandbox.KindInvalidSource, Message: fmt.Sprintf("workspace produced %d contracts (%s), expected one", len(wasm), strings.Join(wasm, ", "))}
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if t.max > 0 && t.buf.Len() > t.max {
		keep := t.buf.Bytes()[t.buf.Len()-t.max:]
		trimmed := append([]byte(nil), keep...)
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.buf.Bytes()
}
