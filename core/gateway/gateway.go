// Package gateway exposes the pack, instance and run APIs over HTTP.
// It is a thin translation layer: every operation delegates to the
// installer, the lifecycle manager or the run store, and errors map to
// statuses through one table so the taxonomy stays visible on the wire.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/packd-io/packd/core/capability"
	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/logging"
	"github.com/packd-io/packd/core/infra/metrics"
	"github.com/packd-io/packd/core/infra/secrets"
	"github.com/packd-io/packd/core/install"
	"github.com/packd-io/packd/core/lifecycle"
	"github.com/packd-io/packd/core/pack"
	"github.com/packd-io/packd/core/workflow"
)

// Installer is the slice of the install service the gateway uses.
type Installer interface {
	Install(ctx context.Context, url string, source pack.InstallSource, expectedChecksum string) (*pack.Pack, error)
	Uninstall(ctx context.Context, packID string) error
}

// InstanceManager is the slice of the lifecycle manager the gateway uses.
type InstanceManager interface {
	Create(ctx context.Context, packID, name string) (*lifecycle.Instance, error)
	Start(ctx context.Context, id string, env map[string]string) (*lifecycle.Instance, error)
	Pause(ctx context.Context, id string) (*lifecycle.Instance, error)
	Stop(ctx context.Context, id string) (*lifecycle.Instance, error)
	Delete(ctx context.Context, id string) error
	Call(ctx context.Context, id, fn string, argsJSON []byte) ([]byte, error)
	Get(ctx context.Context, id string) (*lifecycle.Instance, error)
	List(ctx context.Context, limit int64) ([]*lifecycle.Instance, error)
}

// RunReader reads persisted workflow runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	ListRunsByInstance(ctx context.Context, instanceID string, limit int64) ([]*workflow.Run, error)
}

// Subscriber delivers bus events to the progress stream. NatsBus
// implements it.
type Subscriber interface {
	Subscribe(subject, queue string, handler func(*bus.Event)) error
}

// Options wires a Server. Packs, Installer and Manager are required;
// Runs, Events, Secrets and Metrics are optional.
type Options struct {
	Packs     pack.Repository
	Installer Installer
	Manager   InstanceManager
	Runs      RunReader
	Events    Subscriber
	Secrets   secrets.Provider
	Metrics   metrics.GatewayMetrics
	Mode      pack.InstallMode
}

type Server struct {
	packs     pack.Repository
	installer Installer
	manager   InstanceManager
	runs      RunReader
	secrets   secrets.Provider
	metrics   metrics.GatewayMetrics
	mode      pack.InstallMode
	started   time.Time

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*progressClient
}

type progressClient struct {
	runID string
	ch    chan *bus.Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// New builds the gateway server and, when an event source is given,
// subscribes once to run progress so websocket clients share a single
// bus subscription.
func New(opts Options) (*Server, error) {
	if opts.Packs == nil || opts.Installer == nil || opts.Manager == nil {
		return nil, fmt.Errorf("gateway: packs, installer and manager are required")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	mode := opts.Mode
	if mode == "" {
		mode = pack.ModeProd
	}
	s := &Server{
		packs:     opts.Packs,
		installer: opts.Installer,
		manager:   opts.Manager,
		runs:      opts.Runs,
		secrets:   opts.Secrets,
		metrics:   m,
		mode:      mode,
		started:   time.Now().UTC(),
		clients:   make(map[*websocket.Conn]*progressClient),
	}
	if opts.Events != nil {
		if err := opts.Events.Subscribe(bus.EventSubject("run.progress"), "", s.dispatchProgress); err != nil {
			return nil, fmt.Errorf("subscribe run progress: %w", err)
		}
	}
	return s, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/packs", s.instrumented("/v1/packs", s.handleInstallPack))
	mux.HandleFunc("GET /v1/packs", s.instrumented("/v1/packs", s.handleListPacks))
	mux.HandleFunc("GET /v1/packs/{id}", s.instrumented("/v1/packs/{id}", s.handleGetPack))
	mux.HandleFunc("DELETE /v1/packs/{id}", s.instrumented("/v1/packs/{id}", s.handleUninstallPack))

	mux.HandleFunc("POST /v1/instances", s.instrumented("/v1/instances", s.handleCreateInstance))
	mux.HandleFunc("GET /v1/instances", s.instrumented("/v1/instances", s.handleListInstances))
	mux.HandleFunc("GET /v1/instances/{id}", s.instrumented("/v1/instances/{id}", s.handleGetInstance))
	mux.HandleFunc("POST /v1/instances/{id}/start", s.instrumented("/v1/instances/{id}/start", s.handleStartInstance))
	mux.HandleFunc("POST /v1/instances/{id}/pause", s.instrumented("/v1/instances/{id}/pause", s.handlePauseInstance))
	mux.HandleFunc("POST /v1/instances/{id}/stop", s.instrumented("/v1/instances/{id}/stop", s.handleStopInstance))
	mux.HandleFunc("POST /v1/instances/{id}/call", s.instrumented("/v1/instances/{id}/call", s.handleCallInstance))
	mux.HandleFunc("DELETE /v1/instances/{id}", s.instrumented("/v1/instances/{id}", s.handleDeleteInstance))
	mux.HandleFunc("GET /v1/instances/{id}/runs", s.instrumented("/v1/instances/{id}/runs", s.handleListInstanceRuns))

	mux.HandleFunc("GET /v1/runs/{id}", s.instrumented("/v1/runs/{id}", s.handleGetRun))
	mux.HandleFunc("/v1/runs/{id}/progress", s.instrumented("/v1/runs/{id}/progress", s.handleRunProgress))

	return mux
}

// Serve blocks running the HTTP server on addr.
func (s *Server) Serve(addr string) error {
	logging.Info("GATEWAY", "http listening", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("GATEWAY", "http server error", "error", err)
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack is needed so the websocket upgrade works through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var missing *lifecycle.MissingSecretsError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pack.ErrNotFound),
		errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, workflow.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.As(err, &missing):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, install.ErrChecksumRequired),
		errors.Is(err, install.ErrChecksumMismatch),
		errors.Is(err, install.ErrZipSlip),
		errors.Is(err, pack.ErrManifestInvalid),
		errors.Is(err, workflow.ErrWorkflowInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, capability.ErrCapabilityDenied):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
