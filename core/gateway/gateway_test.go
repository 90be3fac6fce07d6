package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/secrets"
	"github.com/packd-io/packd/core/install"
	"github.com/packd-io/packd/core/lifecycle"
	"github.com/packd-io/packd/core/pack"
	"github.com/packd-io/packd/core/workflow"
)

type stubInstaller struct {
	installed  *pack.Pack
	err        error
	lastURL    string
	lastSource pack.InstallSource
	removed    []string
}

func (s *stubInstaller) Install(_ context.Context, url string, source pack.InstallSource, _ string) (*pack.Pack, error) {
	s.lastURL = url
	s.lastSource = source
	if s.err != nil {
		return nil, s.err
	}
	return s.installed, nil
}

func (s *stubInstaller) Uninstall(_ context.Context, packID string) error {
	if s.err != nil {
		return s.err
	}
	s.removed = append(s.removed, packID)
	return nil
}

type stubManager struct {
	instances map[string]*lifecycle.Instance
	startErr  error
	lastEnv   map[string]string
	callOut   []byte
	callErr   error
}

func newStubManager() *stubManager {
	return &stubManager{instances: map[string]*lifecycle.Instance{}}
}

func (s *stubManager) Create(_ context.Context, packID, name string) (*lifecycle.Instance, error) {
	inst := &lifecycle.Instance{ID: "inst-" + packID, PackID: packID, Name: name, State: lifecycle.StateStopped}
	s.instances[inst.ID] = inst
	return inst, nil
}

func (s *stubManager) Start(_ context.Context, id string, env map[string]string) (*lifecycle.Instance, error) {
	s.lastEnv = env
	if s.startErr != nil {
		return nil, s.startErr
	}
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
	}
	inst.State = lifecycle.StateRunning
	return inst, nil
}

func (s *stubManager) Pause(_ context.Context, id string) (*lifecycle.Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
	}
	if inst.State != lifecycle.StateRunning {
		return nil, fmt.Errorf("%w: pause from %s", lifecycle.ErrIllegalTransition, inst.State)
	}
	inst.State = lifecycle.StatePaused
	return inst, nil
}

func (s *stubManager) Stop(_ context.Context, id string) (*lifecycle.Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
	}
	inst.State = lifecycle.StateStopped
	return inst, nil
}

func (s *stubManager) Delete(_ context.Context, id string) error {
	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
	}
	delete(s.instances, id)
	return nil
}

func (s *stubManager) Call(_ context.Context, id, _ string, _ []byte) ([]byte, error) {
	if _, ok := s.instances[id]; !ok {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
	}
	return s.callOut, s.callErr
}

func (s *stubManager) Get(_ context.Context, id string) (*lifecycle.Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
	}
	return inst, nil
}

func (s *stubManager) List(_ context.Context, _ int64) ([]*lifecycle.Instance, error) {
	out := make([]*lifecycle.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out, nil
}

type stubSubscriber struct {
	handler func(*bus.Event)
}

func (s *stubSubscriber) Subscribe(_, _ string, handler func(*bus.Event)) error {
	s.handler = handler
	return nil
}

type gatewayFixture struct {
	srv       *httptest.Server
	gw        *Server
	packs     pack.Repository
	installer *stubInstaller
	manager   *stubManager
	runs      *workflow.RedisRunStore
	events    *stubSubscriber
}

func newGatewayFixture(t *testing.T, secretsProvider secrets.Provider) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &gatewayFixture{
		packs:     pack.NewRedisRepository(client),
		installer: &stubInstaller{},
		manager:   newStubManager(),
		runs:      workflow.NewRedisRunStore(client),
		events:    &stubSubscriber{},
	}
	server, err := New(Options{
		Packs:     f.packs,
		Installer: f.installer,
		Manager:   f.manager,
		Runs:      f.runs,
		Events:    f.events,
		Secrets:   secretsProvider,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.gw = server
	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeResp(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestInstallPackEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.installer.installed = &pack.Pack{ID: "demo", Manifest: pack.Manifest{ID: "demo"}}

	resp := f.do(t, http.MethodPost, "/v1/packs", map[string]string{
		"url": "https://packs.example.com/demo.zip", "checksum": strings.Repeat("a", 64),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got pack.Pack
	decodeResp(t, resp, &got)
	if got.ID != "demo" {
		t.Fatalf("pack id = %s", got.ID)
	}
	if f.installer.lastSource.Mode != pack.ModeProd {
		t.Fatalf("default mode = %s", f.installer.lastSource.Mode)
	}
	if f.installer.lastSource.SourceURL != "https://packs.example.com/demo.zip" {
		t.Fatalf("source url = %q", f.installer.lastSource.SourceURL)
	}
}

func TestInstallPackValidation(t *testing.T) {
	f := newGatewayFixture(t, nil)

	if resp := f.do(t, http.MethodPost, "/v1/packs", map[string]string{"checksum": "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing url status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/v1/packs", map[string]string{"url": "u", "mode": "yolo"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode status = %d", resp.StatusCode)
	}

	f.installer.err = install.ErrChecksumMismatch
	if resp := f.do(t, http.MethodPost, "/v1/packs", map[string]string{"url": "u"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("checksum mismatch status = %d", resp.StatusCode)
	}
}

func TestGetAndListPacks(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ctx := context.Background()
	if err := f.packs.Save(ctx, &pack.Pack{ID: "demo", Manifest: pack.Manifest{ID: "demo", Name: "Demo"}}); err != nil {
		t.Fatalf("seed pack: %v", err)
	}

	resp := f.do(t, http.MethodGet, "/v1/packs/demo", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/packs/ghost", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing pack status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/packs", nil)
	var packs []*pack.Pack
	decodeResp(t, resp, &packs)
	if len(packs) != 1 || packs[0].ID != "demo" {
		t.Fatalf("list = %+v", packs)
	}
}

func TestUninstallPackEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)
	if resp := f.do(t, http.MethodDelete, "/v1/packs/demo", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(f.installer.removed) != 1 || f.installer.removed[0] != "demo" {
		t.Fatalf("uninstall not delegated: %v", f.installer.removed)
	}
}

func TestInstanceLifecycleEndpoints(t *testing.T) {
	f := newGatewayFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/v1/instances", map[string]string{"pack_id": "demo", "name": "one"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var inst lifecycle.Instance
	decodeResp(t, resp, &inst)
	if inst.State != lifecycle.StateStopped {
		t.Fatalf("created state = %s", inst.State)
	}

	if resp := f.do(t, http.MethodPost, "/v1/instances", map[string]string{"name": "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing pack_id status = %d", resp.StatusCode)
	}

	// Pausing a stopped instance maps ErrIllegalTransition to 409.
	if resp := f.do(t, http.MethodPost, "/v1/instances/"+inst.ID+"/pause", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("illegal pause status = %d", resp.StatusCode)
	}

	if resp := f.do(t, http.MethodPost, "/v1/instances/"+inst.ID+"/start", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/v1/instances/"+inst.ID+"/stop", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodDelete, "/v1/instances/"+inst.ID, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/instances/"+inst.ID, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted instance status = %d", resp.StatusCode)
	}
}

func TestStartInstanceMissingSecrets(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.manager.instances["i1"] = &lifecycle.Instance{ID: "i1", PackID: "demo", State: lifecycle.StateStopped}
	f.manager.startErr = &lifecycle.MissingSecretsError{Keys: []string{"API_TOKEN"}}

	resp := f.do(t, http.MethodPost, "/v1/instances/i1/start", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeResp(t, resp, &body)
	if !strings.Contains(body["error"], "API_TOKEN") {
		t.Fatalf("error body = %q", body["error"])
	}
}

func TestStartInstanceResolvesSecrets(t *testing.T) {
	f := newGatewayFixture(t, secrets.Static{"API_TOKEN": "from-provider"})
	ctx := context.Background()
	if err := f.packs.Save(ctx, &pack.Pack{ID: "demo", Manifest: pack.Manifest{ID: "demo", RequiredEnv: []string{"API_TOKEN"}}}); err != nil {
		t.Fatalf("seed pack: %v", err)
	}
	f.manager.instances["i1"] = &lifecycle.Instance{ID: "i1", PackID: "demo", State: lifecycle.StateStopped}

	resp := f.do(t, http.MethodPost, "/v1/instances/i1/start", map[string]any{"env": map[string]string{"EXTRA": "v"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if f.manager.lastEnv["API_TOKEN"] != "from-provider" || f.manager.lastEnv["EXTRA"] != "v" {
		t.Fatalf("resolved env = %v", f.manager.lastEnv)
	}
}

func TestCallInstanceEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.manager.instances["i1"] = &lifecycle.Instance{ID: "i1", PackID: "demo", State: lifecycle.StateRunning}
	f.manager.callOut = []byte(`{"sum": 5}`)

	resp := f.do(t, http.MethodPost, "/v1/instances/i1/call", map[string]any{"function": "add", "args": map[string]int{"a": 2, "b": 3}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeResp(t, resp, &body)
	result, ok := body["result"].(map[string]any)
	if !ok || result["sum"] != float64(5) {
		t.Fatalf("result = %+v", body)
	}

	if resp := f.do(t, http.MethodPost, "/v1/instances/i1/call", map[string]any{"args": map[string]int{}}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing function status = %d", resp.StatusCode)
	}
}

func TestGetRunEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ctx := context.Background()
	run := &workflow.Run{ID: "r1", WorkflowID: "flow", InstanceID: "i1", Status: workflow.RunStatusSucceeded,
		Steps: map[string]*workflow.StepResult{}, StartedAt: time.Now().UTC()}
	if err := f.runs.SaveRun(ctx, run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	resp := f.do(t, http.MethodGet, "/v1/runs/r1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got workflow.Run
	decodeResp(t, resp, &got)
	if got.ID != "r1" || got.Status != workflow.RunStatusSucceeded {
		t.Fatalf("run = %+v", got)
	}

	if resp := f.do(t, http.MethodGet, "/v1/runs/ghost", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/instances/i1/runs", nil)
	var runs []*workflow.Run
	decodeResp(t, resp, &runs)
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("instance runs = %+v", runs)
	}
}

func TestRunProgressWebsocket(t *testing.T) {
	f := newGatewayFixture(t, nil)
	if f.events.handler == nil {
		t.Fatalf("progress subscription not registered")
	}

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/runs/r1/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// Registration happens inside the handler goroutine; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.gw.clientsMu.RLock()
		registered := len(f.gw.clients)
		f.gw.clientsMu.RUnlock()
		if registered > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ws client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Events for other runs must not reach this client.
	f.events.handler(&bus.Event{Type: "run.progress", Data: map[string]any{"run_id": "other", "step_index": 1}})
	f.events.handler(&bus.Event{Type: "run.progress", Data: map[string]any{"run_id": "r1", "step_index": 2, "total": 3}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event bus.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read ws event: %v", err)
	}
	if event.Data["run_id"] != "r1" || event.Data["step_index"] != float64(2) {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestHealthz(t *testing.T) {
	f := newGatewayFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeResp(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}
