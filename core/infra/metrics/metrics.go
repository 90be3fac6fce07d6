package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InstallMetrics counts pack installation outcomes.
type InstallMetrics interface {
	IncInstallStarted(mode string)
	IncInstallCompleted(mode, status string)
	IncSecurityRejection(kind string)
}

// LifecycleMetrics counts instance transitions.
type LifecycleMetrics interface {
	IncTransition(transition, status string)
}

// WorkflowMetrics captures workflow execution metrics.
type WorkflowMetrics interface {
	IncStepExecuted(stepType, status string)
	IncWorkflowCompleted(status string)
	ObserveWorkflowDuration(durationSeconds float64)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncInstallStarted(string)                       {}
func (Noop) IncInstallCompleted(string, string)             {}
func (Noop) IncSecurityRejection(string)                    {}
func (Noop) IncTransition(string, string)                   {}
func (Noop) IncStepExecuted(string, string)                 {}
func (Noop) IncWorkflowCompleted(string)                    {}
func (Noop) ObserveWorkflowDuration(float64)                {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements InstallMetrics and LifecycleMetrics backed by Prometheus.
type Prom struct {
	installStarted   *prometheus.CounterVec
	installCompleted *prometheus.CounterVec
	securityRejected *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		installStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_started_total",
			Help:      "Pack installs started by mode",
		}, []string{"mode"}),
		installCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_completed_total",
			Help:      "Pack installs completed by mode and status",
		}, []string{"mode", "status"}),
		securityRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_rejections_total",
			Help:      "Security rejections by kind (checksum, zip_slip, capability)",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_transitions_total",
			Help:      "Instance lifecycle transitions by name and status",
		}, []string{"transition", "status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.installStarted, p.installCompleted, p.securityRejected, p.transitions)
	})
}

func (p *Prom) IncInstallStarted(mode string) {
	p.installStarted.WithLabelValues(mode).Inc()
}

func (p *Prom) IncInstallCompleted(mode, status string) {
	p.installCompleted.WithLabelValues(mode, status).Inc()
}

func (p *Prom) IncSecurityRejection(kind string) {
	p.securityRejected.WithLabelValues(kind).Inc()
}

func (p *Prom) IncTransition(transition, status string) {
	p.transitions.WithLabelValues(transition, status).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Workflow metrics ---

type workflowProm struct {
	steps     *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  prometheus.Histogram
	once      sync.Once
}

func NewWorkflowProm(namespace string) WorkflowMetrics {
	w := &workflowProm{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Workflow steps executed by type and status",
		}, []string{"type", "status"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Workflow executions completed by status",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	w.once.Do(func() {
		prometheus.MustRegister(w.steps, w.completed, w.duration)
	})
	return w
}

func (w *workflowProm) IncStepExecuted(stepType, status string) {
	w.steps.WithLabelValues(stepType, status).Inc()
}

func (w *workflowProm) IncWorkflowCompleted(status string) {
	w.completed.WithLabelValues(status).Inc()
}

func (w *workflowProm) ObserveWorkflowDuration(durationSeconds float64) {
	w.duration.Observe(durationSeconds)
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
