package sandbox

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// checkRegistry verifies dir looks like a fetched cargo registry: the
// registry/ directory of a CARGO_HOME after `cargo fetch`.
func checkRegistry(dir string) error {
	for _, sub := range []string{"index", "cache"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil {
			return fmt.Errorf("cargo registry %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("cargo registry %s: %s is not a directory", dir, sub)
		}
	}
	return nil
}

// seedRegistry gives a build's CARGO_HOME the dependencies of a fetched
// registry. Downloaded crates are linked read-only; the index is copied
// because cargo rewrites its cache entries. Sources are extracted into the
// workspace by cargo itself.
func seedRegistry(src, cargoHome string) error {
	dst := filepath.Join(cargoHome, "registry")
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	if err := os.Symlink(filepath.Join(src, "cache"), filepath.Join(dst, "cache")); err != nil {
		return fmt.Errorf("linking crate cache: %w", err)
	}
	if err := copyTree(filepath.Join(src, "index"), filepath.Join(dst, "index")); err != nil {
		return fmt.Errorf("copying registry index: %w", err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
