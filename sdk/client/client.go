// Package client is a minimal HTTP client for the packd gateway, used
// by packdctl and by programs embedding pack management.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/packd-io/packd/core/lifecycle"
	"github.com/packd-io/packd/core/pack"
	"github.com/packd-io/packd/core/workflow"
)

// Client talks to one gateway.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// InstallRequest is the POST /v1/packs payload.
type InstallRequest struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

func (c *Client) endpoint(path string) string {
	return c.BaseURL + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// InstallPack installs a pack from an archive URL.
func (c *Client) InstallPack(ctx context.Context, req InstallRequest) (*pack.Pack, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("archive url required")
	}
	var installed pack.Pack
	if err := c.doJSON(ctx, http.MethodPost, "/v1/packs", req, &installed); err != nil {
		return nil, err
	}
	return &installed, nil
}

// ListPacks returns installed packs, newest first.
func (c *Client) ListPacks(ctx context.Context) ([]*pack.Pack, error) {
	var packs []*pack.Pack
	if err := c.doJSON(ctx, http.MethodGet, "/v1/packs", nil, &packs); err != nil {
		return nil, err
	}
	return packs, nil
}

// GetPack fetches one pack by id.
func (c *Client) GetPack(ctx context.Context, id string) (*pack.Pack, error) {
	if id == "" {
		return nil, fmt.Errorf("pack id required")
	}
	var p pack.Pack
	if err := c.doJSON(ctx, http.MethodGet, "/v1/packs/"+id, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UninstallPack removes a pack and its installed files.
func (c *Client) UninstallPack(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("pack id required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/packs/"+id, nil, nil)
}

// CreateInstance creates a stopped instance of an installed pack.
func (c *Client) CreateInstance(ctx context.Context, packID, name string) (*lifecycle.Instance, error) {
	if packID == "" {
		return nil, fmt.Errorf("pack id required")
	}
	body := map[string]string{"pack_id": packID, "name": name}
	var inst lifecycle.Instance
	if err := c.doJSON(ctx, http.MethodPost, "/v1/instances", body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns known instances.
func (c *Client) ListInstances(ctx context.Context) ([]*lifecycle.Instance, error) {
	var instances []*lifecycle.Instance
	if err := c.doJSON(ctx, http.MethodGet, "/v1/instances", nil, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// GetInstance fetches one instance by id.
func (c *Client) GetInstance(ctx context.Context, id string) (*lifecycle.Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("instance id required")
	}
	var inst lifecycle.Instance
	if err := c.doJSON(ctx, http.MethodGet, "/v1/instances/"+id, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// StartInstance starts an instance; env entries override gateway-side
// secret resolution.
func (c *Client) StartInstance(ctx context.Context, id string, env map[string]string) (*lifecycle.Instance, error) {
	return c.transition(ctx, id, "start", map[string]any{"env": env})
}

// PauseInstance pauses a running instance.
func (c *Client) PauseInstance(ctx context.Context, id string) (*lifecycle.Instance, error) {
	return c.transition(ctx, id, "pause", nil)
}

// StopInstance stops a running or paused instance.
func (c *Client) StopInstance(ctx context.Context, id string) (*lifecycle.Instance, error) {
	return c.transition(ctx, id, "stop", nil)
}

func (c *Client) transition(ctx context.Context, id, verb string, body any) (*lifecycle.Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("instance id required")
	}
	var inst lifecycle.Instance
	if err := c.doJSON(ctx, http.MethodPost, "/v1/instances/"+id+"/"+verb, body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// DeleteInstance stops and removes an instance and its run history.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("instance id required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/instances/"+id, nil, nil)
}

// CallInstance invokes an exported function on a running wasm instance.
func (c *Client) CallInstance(ctx context.Context, id, function string, args any) (any, error) {
	if id == "" || function == "" {
		return nil, fmt.Errorf("instance id and function required")
	}
	body := map[string]any{"function": function, "args": args}
	var resp struct {
		Result any `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/instances/"+id+"/call", body, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// GetRun fetches a workflow run by id.
func (c *Client) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id required")
	}
	var run workflow.Run
	if err := c.doJSON(ctx, http.MethodGet, "/v1/runs/"+id, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListInstanceRuns returns an instance's run history, newest first.
func (c *Client) ListInstanceRuns(ctx context.Context, instanceID string) ([]*workflow.Run, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id required")
	}
	var runs []*workflow.Run
	if err := c.doJSON(ctx, http.MethodGet, "/v1/instances/"+instanceID+"/runs", nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Health checks gateway liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil)
}
