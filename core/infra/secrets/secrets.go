// Package secrets resolves the environment values a pack declares in
// required_env and keeps secret material out of logs and step outputs.
package secrets

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
)

const secretPrefix = "secret://"

// Provider hands out secret values for a pack's required_env names.
// Missing names are simply absent from the returned map; the lifecycle
// manager decides whether absence blocks a start.
type Provider interface {
	ForPack(required []string) (map[string]string, error)
}

// EnvProvider resolves required names from the daemon's process
// environment, optionally behind a prefix (PACKD_SECRET_<NAME>).
type EnvProvider struct {
	Prefix string
}

// ForPack looks each required name up in the environment.
func (p EnvProvider) ForPack(required []string) (map[string]string, error) {
	out := make(map[string]string, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v, ok := os.LookupEnv(p.Prefix + name); ok {
			out[name] = v
		}
	}
	return out, nil
}

// Static is a fixed secret map, used by tests and single-tenant setups.
type Static map[string]string

// ForPack returns the subset of the static map covering required names.
func (s Static) ForPack(required []string) (map[string]string, error) {
	out := make(map[string]string, len(required))
	for _, name := range required {
		if v, ok := s[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// RedactSecretRefs returns a copy with secret refs replaced by "<redacted>".
func RedactSecretRefs(value any) (any, bool) {
	return redact(value)
}

// RedactJSON redacts secret references inside a JSON payload. Payloads
// that are not JSON come back unchanged with the decode error.
func RedactJSON(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data, false, err
	}
	redacted, changed := RedactSecretRefs(payload)
	if !changed {
		return data, false, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(redacted); err != nil {
		return data, false, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), true, nil
}

func redact(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return v, false
	case string:
		if strings.HasPrefix(strings.TrimSpace(v), secretPrefix) {
			return "<redacted>", true
		}
		return v, false
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			red, childChanged := redact(child)
			if childChanged {
				changed = true
			}
			out[k] = red
		}
		return out, changed
	case map[string]string:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			red, childChanged := redact(child)
			if childChanged {
				changed = true
			}
			out[k] = red
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, childChanged := redact(child)
			if childChanged {
				changed = true
			}
			out[i] = red
		}
		return out, changed
	case []string:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, childChanged := redact(child)
			if childChanged {
				changed = true
			}
			out[i] = red
		}
		return out, changed
	default:
		return v, false
	}
}
