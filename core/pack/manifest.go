package pack

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/packd-io/packd/core/infra/schema"
)

//go:embed manifest_schema.json
var manifestSchemaJSON []byte

var manifestSchema = schema.MustCompile("pack-manifest", manifestSchemaJSON)

var (
	// ErrManifestInvalid wraps every manifest rejection so callers can
	// classify install failures without string matching.
	ErrManifestInvalid = errors.New("pack manifest invalid")
	// ErrNotFound is returned by the repository when no pack exists
	// under the requested id.
	ErrNotFound = errors.New("pack not found")
)

// ParseManifest decodes and validates a pack.json payload. Validation is
// schema first, then structural rules the schema cannot express: guest
// paths must be relative and contained, and the entry must match the type.
func ParseManifest(data []byte) (*Manifest, error) {
	if err := schema.Validate(manifestSchema, json.RawMessage(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrManifestInvalid, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if err := checkGuestPath("entry", m.Entry); err != nil {
		return err
	}
	switch m.Type {
	case TypeWASM:
		if !strings.HasSuffix(m.Entry, ".wasm") {
			return fmt.Errorf("entry %q: wasm pack entry must be a .wasm file", m.Entry)
		}
	case TypeWorkflow:
		if !strings.HasSuffix(m.Entry, ".json") {
			return fmt.Errorf("entry %q: workflow pack entry must be a .json file", m.Entry)
		}
	}
	if m.Module != "" {
		if m.Type != TypeWorkflow {
			return fmt.Errorf("module %q: only workflow packs carry a companion module", m.Module)
		}
		if err := checkGuestPath("module", m.Module); err != nil {
			return err
		}
		if !strings.HasSuffix(m.Module, ".wasm") {
			return fmt.Errorf("module %q: companion module must be a .wasm file", m.Module)
		}
	}
	for _, p := range m.Permissions.Filesystem.Read {
		if err := checkGuestPath("filesystem.read", p); err != nil {
			return err
		}
	}
	for _, p := range m.Permissions.Filesystem.Write {
		if err := checkGuestPath("filesystem.write", p); err != nil {
			return err
		}
	}
	if err := checkNoDuplicates("required_env", m.RequiredEnv); err != nil {
		return err
	}
	if err := checkNoDuplicates("permissions.network.connect", m.Permissions.Network.Connect); err != nil {
		return err
	}
	return nil
}

// checkGuestPath rejects anything that could escape the pack's sandbox
// directory once mapped onto the host.
func checkGuestPath(field, p string) error {
	if p == "" {
		return fmt.Errorf("%s: path is empty", field)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("%s %q: path must be relative", field, p)
	}
	clean := path.Clean(p)
	if clean != p && clean+"/" != p {
		return fmt.Errorf("%s %q: path is not clean", field, p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%s %q: path escapes pack root", field, p)
	}
	return nil
}

func checkNoDuplicates(field string, values []string) error {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			return fmt.Errorf("%s: duplicate entry %q", field, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}
