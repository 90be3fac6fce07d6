package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/packd-io/packd/core/lifecycle"
	"github.com/packd-io/packd/core/pack"
)

func TestInstallPack(t *testing.T) {
	var gotBody InstallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/packs" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(pack.Pack{ID: "demo"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	installed, err := c.InstallPack(context.Background(), InstallRequest{URL: "https://x/p.zip", Mode: "dev"})
	if err != nil {
		t.Fatalf("InstallPack: %v", err)
	}
	if installed.ID != "demo" || gotBody.Mode != "dev" {
		t.Fatalf("installed = %+v, body = %+v", installed, gotBody)
	}
}

func TestErrorBodySurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "pack not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetPack(context.Background(), "ghost")
	if err == nil || !strings.Contains(err.Error(), "pack not found") || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v", err)
	}
}

func TestStartInstanceSendsEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/instances/i1/start" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body struct {
			Env map[string]string `json:"env"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Env["TOKEN"] != "t" {
			t.Fatalf("env = %v", body.Env)
		}
		_ = json.NewEncoder(w).Encode(lifecycle.Instance{ID: "i1", State: lifecycle.StateRunning})
	}))
	defer srv.Close()

	c := New(srv.URL)
	inst, err := c.StartInstance(context.Background(), "i1", map[string]string{"TOKEN": "t"})
	if err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	if inst.State != lifecycle.StateRunning {
		t.Fatalf("state = %s", inst.State)
	}
}

func TestInputValidation(t *testing.T) {
	c := New("http://localhost:0")
	if _, err := c.GetPack(context.Background(), ""); err == nil {
		t.Fatalf("empty pack id accepted")
	}
	if _, err := c.StartInstance(context.Background(), "", nil); err == nil {
		t.Fatalf("empty instance id accepted")
	}
	if _, err := c.CallInstance(context.Background(), "i1", "", nil); err == nil {
		t.Fatalf("empty function accepted")
	}
}
