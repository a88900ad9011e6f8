// Package sandbox runs isolated, reproducible contract builds.
//
// Every build gets a fresh working directory, a scrubbed environment and
// wall-clock, memory and size bounds. The output is normalised so that the
// same source and toolchain pin always produce the same bytes.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pendergraft/sorobanregistry/internal/config"
)

// Job is one build handed to a Builder
type Job struct {
	ID          string
	Dir         string // project root containing Cargo.toml
	Workspace   string // per-build scratch root; Dir is inside it
	Toolchain   Toolchain
	Env         []string
	MaxLogBytes int
}

// Output is what a Builder produced
type Output struct {
	Wasm     []byte
	Log      []byte
	MaxRSSKB int64
	ExitCode int
}

// Builder compiles a prepared project directory.
// A non-zero compiler exit is reported as a *BuildError of kind compile.
type Builder interface {
	Name() string
	Build(ctx context.Context, job Job) (*Output, error)
}

// BuildLog is the diagnostic record of one build
type BuildLog struct {
	ID         string `json:"id"`
	Builder    string `json:"builder"`
	Toolchain  string `json:"toolchain"`
	DurationMS int64  `json:"duration_ms"`
	MaxRSSKB   int64  `json:"max_rss_kb"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output,omitempty"`
	Ref        string `json:"ref"`
}

// Limits bounds a single build
type Limits struct {
	Timeout        time.Duration
	MaxArchive     int64
	MaxUnpacked    int64
	MaxOutput      int64
	MaxMemoryKB    int64
	MaxLogBytes    int
	KeepFailedDirs bool
}

// LimitsFromConfig converts sandbox configuration to Limits
func LimitsFromConfig(cfg config.SandboxConfig) Limits {
	return Limits{
		Timeout:        cfg.BuildTimeout,
		MaxArchive:     int64(cfg.MaxArchiveMB) << 20,
		MaxUnpacked:    int64(cfg.MaxUnpackedMB) << 20,
		MaxOutput:      int64(cfg.MaxOutputMB) << 20,
		MaxMemoryKB:    int64(cfg.MaxMemoryMB) << 10,
		MaxLogBytes:    cfg.MaxLogKB << 10,
		KeepFailedDirs: cfg.KeepFailedBuilds,
	}
}

// Sandbox runs builds under a global concurrency ceiling with a bounded
// wait queue.
type Sandbox struct {
	builder    Builder
	toolchains *Toolchains
	limits     Limits
	workDir    string
	baseEnv    []string
	registry   string
	logger     *slog.Logger

	sem      *semaphore.Weighted
	capacity int64 // running + queued
	inFlight atomic.Int64
	running  atomic.Int64
}

// Options configures a Sandbox
type Options struct {
	Builder       Builder
	Toolchains    *Toolchains
	Limits        Limits
	WorkDir       string
	BaseEnv       []string // host variables passed through, e.g. PATH and RUSTUP_HOME
	// CargoRegistry is a fetched cargo registry (index/ and cache/) seeded
	// into every build, for archives that do not vendor their dependencies.
	CargoRegistry string
	MaxConcurrent int
	QueueSize     int
}

// New creates a Sandbox
func New(opts Options, logger *slog.Logger) (*Sandbox, error) {
	if opts.Builder == nil {
		return nil, errors.New("sandbox: builder is required")
	}
	if opts.Toolchains == nil {
		opts.Toolchains = DefaultToolchains()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox work dir: %w", err)
	}
	if opts.CargoRegistry != "" {
		if err := checkRegistry(opts.CargoRegistry); err != nil {
			return nil, err
		}
	}
	return &Sandbox{
		builder:    opts.Builder,
		toolchains: opts.Toolchains,
		limits:     opts.Limits,
		workDir:    opts.WorkDir,
		baseEnv:    opts.BaseEnv,
		registry:   opts.CargoRegistry,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		capacity:   int64(opts.MaxConcurrent + opts.QueueSize),
	}, nil
}

// Toolchains returns the supported pins
func (s *Sandbox) Toolchains() *Toolchains {
	return s.toolchains
}

// Stats reports running and queued builds
func (s *Sandbox) Stats() (running, queued int64) {
	running = s.running.Load()
	queued = s.inFlight.Load() - running
	if queued < 0 {
		queued = 0
	}
	return running, queued
}

// Build compiles a source archive with a toolchain and returns the
// normalised WASM. Build failures are *BuildError; cancellation by the
// caller returns the context error.
func (s *Sandbox) Build(ctx context.Context, archive []byte, tc Toolchain) ([]byte, *BuildLog, error) {
	if s.limits.MaxArchive > 0 && int64(len(archive)) > s.limits.MaxArchive {
		return nil, nil, buildErr(KindResourceExceeded, "archive of %d bytes exceeds %d", len(archive), s.limits.MaxArchive)
	}
	if _, err := s.toolchains.Get(tc.Pin); err != nil {
		return nil, nil, err
	}

	if s.inFlight.Add(1) > s.capacity {
		s.inFlight.Add(-1)
		return nil, nil, buildErr(KindBackpressure, "%d builds in flight", s.capacity)
	}
	defer s.inFlight.Add(-1)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("waiting for build slot: %w", err)
	}
	defer s.sem.Release(1)
	s.running.Add(1)
	defer s.running.Add(-1)

	return s.run(ctx, archive, tc)
}

func (s *Sandbox) run(ctx context.Context, archive []byte, tc Toolchain) ([]byte, *BuildLog, error) {
	id := uuid.New().String()
	log := &BuildLog{ID: id, Builder: s.builder.Name(), Toolchain: tc.Pin, Ref: id}
	start := time.Now()

	workspace, err := os.MkdirTemp(s.workDir, "build-")
	if err != nil {
		return nil, log, fmt.Errorf("creating build dir: %w", err)
	}
	failed := true
	defer func() {
		if failed && s.limits.KeepFailedDirs {
			log.Ref = workspace
			s.logger.Info("keeping failed build directory", "build_id", id, "dir", workspace)
			return
		}
		if err := os.RemoveAll(workspace); err != nil {
			s.logger.Warn("removing build directory", "build_id", id, "error", err)
		}
	}()

	srcDir := filepath.Join(workspace, "src")
	if err := unpack(archive, srcDir, s.limits.maxUnpacked()); err != nil {
		return nil, log, asBuildError(err, KindInvalidSource, log)
	}
	root, err := projectRoot(srcDir)
	if err != nil {
		return nil, log, asBuildError(err, KindInvalidSource, log)
	}
	if s.registry != "" {
		if err := seedRegistry(s.registry, filepath.Join(workspace, "cargo")); err != nil {
			return nil, log, fmt.Errorf("preparing cargo home: %w", err)
		}
	}

	buildCtx := ctx
	if s.limits.Timeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, s.limits.Timeout)
		defer cancel()
	}

	out, err := s.builder.Build(buildCtx, Job{
		ID:          id,
		Dir:         root,
		Workspace:   workspace,
		Toolchain:   tc,
		Env:         s.env(workspace),
		MaxLogBytes: s.limits.MaxLogBytes,
	})
	log.DurationMS = time.Since(start).Milliseconds()
	if out != nil {
		log.Output = string(out.Log)
		log.MaxRSSKB = out.MaxRSSKB
		log.ExitCode = out.ExitCode
	}

	if errors.Is(buildCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, log, &BuildError{Kind: KindTimeout, Message: fmt.Sprintf("build exceeded %s", s.limits.Timeout), Log: log}
	}
	if ctx.Err() != nil {
		return nil, log, ctx.Err()
	}
	if s.limits.MaxMemoryKB > 0 && log.MaxRSSKB > s.limits.MaxMemoryKB {
		return nil, log, &BuildError{Kind: KindResourceExceeded, Message: fmt.Sprintf("peak memory %d KiB exceeds %d KiB", log.MaxRSSKB, s.limits.MaxMemoryKB), Log: log}
	}
	if err != nil {
		return nil, log, asBuildError(err, KindCompile, log)
	}
	if s.limits.MaxOutput > 0 && int64(len(out.Wasm)) > s.limits.MaxOutput {
		return nil, log, &BuildError{Kind: KindResourceExceeded, Message: fmt.Sprintf("output of %d bytes exceeds %d", len(out.Wasm), s.limits.MaxOutput), Log: log}
	}

	wasm, err := Normalize(out.Wasm)
	if err != nil {
		return nil, log, &BuildError{Kind: KindCompile, Message: "build produced invalid wasm", Err: err, Log: log}
	}

	failed = false
	s.logger.Debug("build complete",
		"build_id", id,
		"toolchain", tc.Pin,
		"duration_ms", log.DurationMS,
		"max_rss_kb", log.MaxRSSKB,
		"size", len(wasm),
	)
	return wasm, log, nil
}

// env returns the scrubbed build environment. Caches and home live inside
// the workspace so nothing leaks between builds.
func (s *Sandbox) env(workspace string) []string {
	env := append([]string{}, s.baseEnv...)
	return append(env,
		"HOME="+filepath.Join(workspace, "home"),
		"CARGO_HOME="+filepath.Join(workspace, "cargo"),
		"CARGO_TARGET_DIR="+filepath.Join(workspace, "target"),
		"CARGO_NET_OFFLINE=true",
		"CARGO_INCREMENTAL=0",
		"SOURCE_DATE_EPOCH=0",
		"TZ=UTC",
		"LC_ALL=C",
		"CARGO_ENCODED_RUSTFLAGS=--remap-path-prefix="+workspace+"=/build\x1f-C\x1fdebuginfo=0",
	)
}

func (l Limits) maxUnpacked() int64 {
	if l.MaxUnpacked <= 0 {
		return 1 << 30
	}
	return l.MaxUnpacked
}

func asBuildError(err error, kind ErrorKind, log *BuildLog) error {
	if be, ok := AsBuildError(err); ok {
		if be.Log == nil {
			be.Log = log
		}
		return be
	}
	return &BuildError{Kind: kind, Message: err.Error(), Err: err, Log: log}
}

// HostEnv returns the host variables a builder needs to locate toolchains
func HostEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "RUSTUP_HOME"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if _, ok := os.LookupEnv("RUSTUP_HOME"); !ok {
		if home, err := os.UserHomeDir(); err == nil {
			env = append(env, "RUSTUP_HOME="+filepath.Join(home, ".rustup"))
		}
	}
	return env
}
