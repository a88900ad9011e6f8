package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxArchiveEntries bounds the number of files in a source archive
const maxArchiveEntries = 10000

// unpack extracts a gzipped tarball into dir. Only regular files and
// directories are accepted; every path must stay inside dir and the total
// unpacked size must not exceed maxBytes.
func unpack(archive []byte, dir string, maxBytes int64) error {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return &BuildError{Kind: KindInvalidSource, Message: "archive is not gzip", Err: err}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	entries := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &BuildError{Kind: KindInvalidSource, Message: "reading tar", Err: err}
		}

		entries++
		if entries > maxArchiveEntries {
			return buildErr(KindResourceExceeded, "archive has more than %d entries", maxArchiveEntries)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return &BuildError{Kind: KindInvalidSource, Message: "unsafe path", Err: err}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxBytes {
				return buildErr(KindResourceExceeded, "unpacked source exceeds %d bytes", maxBytes)
			}
			if err := writeFile(target, tr, hdr.Size); err != nil {
				return fmt.Errorf("writing %s: %w", hdr.Name, err)
			}
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			// pax metadata
		default:
			return buildErr(KindInvalidSource, "unsupported entry %q of type %q", hdr.Name, string(hdr.Typeflag))
		}
	}

	if entries == 0 {
		return buildErr(KindInvalidSource, "archive is empty")
	}
	return nil
}

func safeJoin(dir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute or empty path %q", name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the build directory", name)
	}
	return filepath.Join(dir, cleaned), nil
}

func writeFile(path string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(r, size))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != size {
		err = errors.New("short file")
	}
	return err
}

// projectRoot returns the directory holding Cargo.toml: dir itself or its
// single top-level subdirectory.
func projectRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, "Cargo.toml")); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		root := filepath.Join(dir, dirs[0])
		if _, err := os.Stat(filepath.Join(root, "Cargo.toml")); err == nil {
			return root, nil
		}
	}
	return "", buildErr(KindInvalidSource, "Cargo.toml not found at archive root")
}
