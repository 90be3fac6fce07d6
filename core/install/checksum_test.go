package install

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// sha256("hello")
const helloDigest = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestComputeSHA256(t *testing.T) {
	got, err := ComputeSHA256(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("ComputeSHA256: %v", err)
	}
	if got != helloDigest {
		t.Fatalf("digest = %s, want %s", got, helloDigest)
	}
}

func TestVerifyChecksumCaseInsensitive(t *testing.T) {
	if err := VerifyChecksum(helloDigest, strings.ToUpper(helloDigest)); err != nil {
		t.Fatalf("case-insensitive compare failed: %v", err)
	}
}

func TestVerifyChecksumMismatch(t *testing.T) {
	err := VerifyChecksum(helloDigest, strings.Repeat("0", 64))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestParseSidecar(t *testing.T) {
	data := "# generated\n" +
		helloDigest + "  bin/main.wasm\n" +
		"\n" +
		helloDigest + "  data/seed.json\n"
	entries, err := ParseSidecar([]byte(data))
	if err != nil {
		t.Fatalf("ParseSidecar: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries["bin/main.wasm"] != helloDigest {
		t.Fatalf("unexpected digest for bin/main.wasm: %s", entries["bin/main.wasm"])
	}
}

func TestParseSidecarRejectsMalformedLines(t *testing.T) {
	cases := []string{
		"notahexdigest  file.txt",
		helloDigest + " file.txt extra",
		helloDigest[:10] + "  short.txt",
	}
	for _, c := range cases {
		if _, err := ParseSidecar([]byte(c)); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestVerifySidecar(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	sidecar := helloDigest + "  greeting.txt\n"
	if err := os.WriteFile(filepath.Join(dir, "checksums.sha256"), []byte(sidecar), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	if err := VerifySidecar(dir); err != nil {
		t.Fatalf("VerifySidecar: %v", err)
	}

	// Corrupt the file and expect a mismatch.
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := VerifySidecar(dir); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestVerifySidecarMissingFileIsFine(t *testing.T) {
	if err := VerifySidecar(t.TempDir()); err != nil {
		t.Fatalf("missing sidecar should not error: %v", err)
	}
}
