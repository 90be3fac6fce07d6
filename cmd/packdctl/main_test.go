package main

import "testing"

func TestParseEnvPairs(t *testing.T) {
	env, err := parseEnvPairs("A=1,B=two,C=")
	if err != nil {
		t.Fatalf("parseEnvPairs: %v", err)
	}
	if env["A"] != "1" || env["B"] != "two" || env["C"] != "" {
		t.Fatalf("parsed env = %v", env)
	}

	if _, err := parseEnvPairs("novalue"); err == nil {
		t.Fatalf("expected error for pair without =")
	}
	if _, err := parseEnvPairs("=v"); err == nil {
		t.Fatalf("expected error for empty key")
	}

	env, err = parseEnvPairs("  ")
	if err != nil || len(env) != 0 {
		t.Fatalf("blank input: %v %v", env, err)
	}
}

func TestToWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8090":  "ws://localhost:8090",
		"https://packd.internal": "wss://packd.internal",
		"localhost:8090":         "ws://localhost:8090",
	}
	for in, want := range cases {
		if got := toWebsocketURL(in); got != want {
			t.Fatalf("toWebsocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
