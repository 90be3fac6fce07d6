// Package install turns a remote archive URL into an installed, verified
// pack on disk plus a persisted record. Every step rolls back on failure
// so readers never observe a half-installed pack.
package install

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrChecksumMismatch marks a security failure: the archive does not
	// match the checksum the caller pinned.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrChecksumRequired is returned before any network call when a
	// prod-mode install arrives without an expected checksum.
	ErrChecksumRequired = errors.New("expected checksum required for prod install")
)

// sidecarName is the optional per-file checksum manifest shipped inside
// an archive.
const sidecarName = "checksums.sha256"

// ComputeSHA256 hashes a stream and returns lowercase hex.
func ComputeSHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeFileSHA256 hashes a file on disk.
func ComputeFileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()
	return ComputeSHA256(f)
}

// VerifyChecksum compares two hex digests case-insensitively.
func VerifyChecksum(actual, expected string) error {
	if expected == "" {
		return fmt.Errorf("verify checksum: expected digest is empty")
	}
	if !strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, actual, expected)
	}
	return nil
}

// ParseSidecar parses `<hex-sha256>  <relative-path>` lines. Blank lines
// and #-comments are skipped.
func ParseSidecar(data []byte) (map[string]string, error) {
	entries := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("sidecar line %d: want `<hex>  <path>`, got %q", lineNo, line)
		}
		digest, rel := fields[0], fields[1]
		if len(digest) != sha256.Size*2 {
			return nil, fmt.Errorf("sidecar line %d: digest %q is not sha256 hex", lineNo, digest)
		}
		if _, err := hex.DecodeString(digest); err != nil {
			return nil, fmt.Errorf("sidecar line %d: digest %q is not hex", lineNo, digest)
		}
		entries[filepath.ToSlash(rel)] = strings.ToLower(digest)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	return entries, nil
}

// VerifySidecar checks every file listed in dir's checksums.sha256
// against its actual content. A missing sidecar is not an error; a
// listed-but-missing file or a digest mismatch is.
func VerifySidecar(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sidecar: %w", err)
	}
	entries, err := ParseSidecar(data)
	if err != nil {
		return err
	}
	for rel, want := range entries {
		actual, err := ComputeFileSHA256(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("sidecar entry %s: %w", rel, err)
		}
		if err := VerifyChecksum(actual, want); err != nil {
			return fmt.Errorf("sidecar entry %s: %w", rel, err)
		}
	}
	return nil
}
