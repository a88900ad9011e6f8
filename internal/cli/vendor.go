package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// cargoCommand is the cargo binary used for vendoring
var cargoCommand = "cargo"

// vendorDir is where dependencies land inside the archive
const vendorDir = "vendor"

// vendorDependencies runs cargo vendor for the crate in dir and returns an
// overlay directory holding vendor/ and a .cargo/config.toml that replaces
// crates.io (and any git sources) with it. The sandbox builds offline, so
// an archive without vendored dependencies only builds if the server has a
// registry for them. The caller removes the overlay with cleanup.
func vendorDependencies(ctx context.Context, dir string) (overlay string, cleanup func(), err error) {
	overlay, err = os.MkdirTemp("", "sorobanreg-vendor-")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { os.RemoveAll(overlay) }
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	target := filepath.Join(overlay, vendorDir)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(orBackground(ctx), cargoCommand, "vendor", "--locked", "--versioned-dirs", target)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", nil, fmt.Errorf("cargo vendor: %s", msg)
	}

	// cargo prints the source replacement with the absolute vendor path;
	// the archive must carry a path relative to the project root.
	snippet := stdout.String()
	snippet = strings.ReplaceAll(snippet, strings.ReplaceAll(target, `\`, `\\`), vendorDir)
	snippet = strings.ReplaceAll(snippet, target, vendorDir)
	if !strings.Contains(snippet, "[source.") {
		return "", nil, errors.New("cargo vendor printed no source replacement")
	}

	existing, err := os.ReadFile(filepath.Join(dir, ".cargo", "config.toml"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", nil, err
	}
	config := string(existing)
	if config != "" && !strings.HasSuffix(config, "\n") {
		config += "\n"
	}
	config += snippet

	if err := os.MkdirAll(filepath.Join(overlay, ".cargo"), 0o755); err != nil {
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(overlay, ".cargo", "config.toml"), []byte(config), 0o644); err != nil {
		return "", nil, err
	}
	return overlay, cleanup, nil
}
