package install

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrZipSlip marks an archive entry whose resolved path escapes the
// extraction root. The whole extraction is discarded.
var ErrZipSlip = errors.New("archive entry escapes extraction root")

// maxEntryBytes caps a single decompressed entry to bound zip bombs.
const maxEntryBytes = 512 << 20

// ExtractZip extracts a zip archive into dest. Every entry's resolved
// path must stay under dest; symlinks are rejected outright since the
// guest never needs them. Any failure removes everything extracted.
func ExtractZip(archivePath, dest string) (err error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	dest = filepath.Clean(dest)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create extraction root: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dest)
		}
	}()

	for _, entry := range reader.File {
		if err := extractEntry(entry, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, dest string) error {
	target, err := resolveEntryPath(dest, entry.Name)
	if err != nil {
		return err
	}
	mode := entry.Mode()
	if mode&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: symlink entry %s", ErrZipSlip, entry.Name)
	}
	if entry.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", entry.Name, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", entry.Name, err)
	}
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer src.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create file %s: %w", entry.Name, err)
	}
	written, err := io.Copy(out, io.LimitReader(src, maxEntryBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write file %s: %w", entry.Name, err)
	}
	if written > maxEntryBytes {
		return fmt.Errorf("entry %s exceeds decompressed size limit", entry.Name)
	}
	return nil
}

// resolveEntryPath joins an entry name onto the root and rejects any
// result outside it.
func resolveEntryPath(dest, name string) (string, error) {
	if strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: %s", ErrZipSlip, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s", ErrZipSlip, name)
	}
	target := filepath.Join(dest, clean)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrZipSlip, name)
	}
	return target, nil
}
