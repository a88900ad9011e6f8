package cli

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// defaultExclude keeps build output and VCS metadata out of archives
var defaultExclude = []string{"target", ".git"}

// packSource archives dir as a gzipped tarball in the layout the server
// unpacks: Cargo.toml at the root, regular files only, lexical order and
// zeroed timestamps so identical trees produce identical archives. Files in
// overlays are added at the same relative paths and win over project files;
// excludes do not apply to them.
func packSource(dir string, exclude []string, overlays ...string) ([]byte, int, error) {
	if _, err := os.Stat(filepath.Join(dir, "Cargo.toml")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("no Cargo.toml in %s", dir)
		}
		return nil, 0, err
	}

	skip := make(map[string]bool, len(exclude)+len(defaultExclude))
	for _, name := range defaultExclude {
		skip[name] = true
	}
	for _, name := range exclude {
		skip[name] = true
	}

	entries := make(map[string]string)
	if err := collectFiles(dir, skip, entries); err != nil {
		return nil, 0, err
	}
	for _, overlay := range overlays {
		if err := collectFiles(overlay, nil, entries); err != nil {
			return nil, 0, err
		}
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range names {
		if err := addFile(tw, name, entries[name]); err != nil {
			return nil, 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(names), nil
}

// collectFiles maps the slash-separated path of every regular file under
// root to its location on disk
func collectFiles(root string, skip map[string]bool, into map[string]string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if skip[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		into[filepath.ToSlash(rel)] = path
		return nil
	})
}

func addFile(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     info.Size(),
		ModTime:  time.Unix(0, 0),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", name, err)
	}
	return nil
}
