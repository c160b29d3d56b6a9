package bundle

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"FilamentDetServer/errdefs"
)

// extract unpacks a zip archive into dest and returns the directory holding
// the bundle members; archives wrapping everything in one top-level folder
// are accepted.
func extract(archive, dest string) (string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return "", errdefs.Configurationf("bundle.extract", "open %s: %w", archive, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", errdefs.Resource("bundle.extract", err)
	}
	for _, f := range r.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return "", errdefs.Configurationf("bundle.extract", "archive member %q escapes the bundle directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", errdefs.Resource("bundle.extract", err)
			}
			continue
		}
		if err := writeMember(f, target); err != nil {
			return "", errdefs.Resource("bundle.extract", err)
		}
	}
	return locateRoot(dest), nil
}

func writeMember(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	return out.Close()
}

func locateRoot(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, ModelFile)); err == nil {
		return dir
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, entries[0].Name())
}

// readLines splits a text file into lines, dropping CR and blank lines.
func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}
