package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// ReadinessChecker reports whether the agent is ready to serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// GPUProvider returns the statuses from the latest poll.
type GPUProvider interface {
	LatestGPUs() []model.GPUStatus
}

// HistoryProvider exposes the monitor's history export and counters.
type HistoryProvider interface {
	ExportMetrics(index int) ([]byte, error)
	Stats() model.MonitoringStats
}

// ErrorProvider returns the currently active agent errors.
type ErrorProvider interface {
	GetActiveErrors() []agenterrors.AgentError
}

// Server exposes health, readiness, metrics, and debug endpoints.
type Server struct {
	httpServer *http.Server
	metrics    *observability.Metrics
	readiness  ReadinessChecker
	gpus       GPUProvider
	history    HistoryProvider
	errors     ErrorProvider
	encoder    *zstd.Encoder
	listener   net.Listener
}

// NewServer creates a new health server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// When enableDebug is true, pprof and debug endpoints are registered.
func NewServer(port int, metrics *observability.Metrics, readiness ReadinessChecker, gpus GPUProvider, history HistoryProvider, errs ErrorProvider, enableDebug bool) *Server {
	s := &Server{
		metrics:   metrics,
		readiness: readiness,
		gpus:      gpus,
		history:   history,
		errors:    errs,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if enableDebug {
		// pprof handlers, only enabled when KUBEADAPT_GPU_DEBUG_ENDPOINTS=true
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		// nil writer: the encoder is only used through EncodeAll
		s.encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

		mux.HandleFunc("GET /debug/gpus", s.handleDebugGPUs)
		mux.HandleFunc("GET /debug/history", s.handleDebugHistory)
		mux.HandleFunc("GET /debug/stats", s.handleDebugStats)
		mux.HandleFunc("GET /debug/errors", s.handleDebugErrors)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = err // server exited with unexpected error; ignore during shutdown
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.readiness.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"ready": ready})
}

// handleDebugGPUs renders the latest statuses as JSON, or YAML with
// ?format=yaml.
func (s *Server) handleDebugGPUs(w http.ResponseWriter, r *http.Request) {
	gpus := s.gpus.LatestGPUs()
	if gpus == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, gpus)
	case "yaml":
		out, err := yaml.Marshal(gpus)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	default:
		http.Error(w, fmt.Sprintf("unknown format %q", format), http.StatusBadRequest)
	}
}

// handleDebugHistory returns one device's history as zstd-compressed JSON.
func (s *Server) handleDebugHistory(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.URL.Query().Get("gpu"))
	if err != nil {
		http.Error(w, "gpu query parameter must be a device index", http.StatusBadRequest)
		return
	}

	data, err := s.history.ExportMetrics(index)
	if err != nil {
		status := http.StatusInternalServerError
		if agenterrors.IsNotFound(err) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/4))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "zstd")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(compressed)
}

func (s *Server) handleDebugStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.history.Stats())
}

func (s *Server) handleDebugErrors(w http.ResponseWriter, _ *http.Request) {
	errs := s.errors.GetActiveErrors()
	if errs == nil {
		errs = []agenterrors.AgentError{}
	}
	writeJSON(w, http.StatusOK, errs)
}
