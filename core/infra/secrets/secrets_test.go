package secrets

import (
	"testing"
)

func TestEnvProviderResolvesPrefixed(t *testing.T) {
	t.Setenv("PACKD_SECRET_API_KEY", "k-123")
	p := EnvProvider{Prefix: "PACKD_SECRET_"}
	got, err := p.ForPack([]string{"API_KEY", "MISSING"})
	if err != nil {
		t.Fatalf("for pack: %v", err)
	}
	if got["API_KEY"] != "k-123" {
		t.Fatalf("expected API_KEY resolved, got %#v", got)
	}
	if _, ok := got["MISSING"]; ok {
		t.Fatalf("missing name should be absent, got %#v", got)
	}
}

func TestStaticProviderSubset(t *testing.T) {
	p := Static{"A": "1", "B": "2"}
	got, err := p.ForPack([]string{"A", "C"})
	if err != nil {
		t.Fatalf("for pack: %v", err)
	}
	if len(got) != 1 || got["A"] != "1" {
		t.Fatalf("unexpected subset: %#v", got)
	}
}

func TestRedactSecretRefs(t *testing.T) {
	value := map[string]any{
		"token": "secret://vault/api-key",
		"plain": "hello",
		"list":  []any{"secret://x", "y"},
	}
	redacted, changed := RedactSecretRefs(value)
	if !changed {
		t.Fatalf("expected redaction")
	}
	m := redacted.(map[string]any)
	if m["token"] != "<redacted>" || m["plain"] != "hello" {
		t.Fatalf("unexpected redaction result: %#v", m)
	}
	if m["list"].([]any)[0] != "<redacted>" {
		t.Fatalf("list entry not redacted: %#v", m["list"])
	}
}

func TestRedactJSON(t *testing.T) {
	out, changed, err := RedactJSON([]byte(`{"k":"secret://v"}`))
	if err != nil || !changed {
		t.Fatalf("redact json: changed=%v err=%v", changed, err)
	}
	// The marker must come out literally, not HTML-escaped.
	if string(out) != `{"k":"<redacted>"}` {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestRedactJSONUnchanged(t *testing.T) {
	in := []byte(`{"k":"plain"}`)
	out, changed, err := RedactJSON(in)
	if err != nil || changed {
		t.Fatalf("redact json: changed=%v err=%v", changed, err)
	}
	if string(out) != string(in) {
		t.Fatalf("payload without refs was rewritten: %s", out)
	}
}
