// Package monitoring serves the health and metrics endpoints of a running
// engine instance.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// HealthStatus is the payload of the /healthz endpoint.
type HealthStatus struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	System    SystemInfo `json:"system"`
	Cache     CacheInfo  `json:"cache"`
}

// SystemInfo reports process-level facts.
type SystemInfo struct {
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"num_cpu"`
	HeapMB    int    `json:"heap_mb"`
}

// CacheInfo reports the geometry of the served cache.
type CacheInfo struct {
	Kind     string `json:"kind"`
	Layers   int    `json:"layers"`
	Pages    int    `json:"pages"`
	PageSize int    `json:"page_size"`
	QHeads   int    `json:"q_heads"`
	KVHeads  int    `json:"kv_heads"`
	HeadDim  int    `json:"head_dim"`
}

// Server exposes /healthz and /metrics for one engine instance.
type Server struct {
	start time.Time
	cfg   config.Config
	pages int
	srv   *http.Server
	log   *logger.Logger
}

func NewServer(addr string, cfg config.Config, numPages int) *Server {
	s := &Server{
		start: time.Now(),
		cfg:   cfg,
		pages: numPages,
		log:   logger.With("monitoring"),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info("monitoring server listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.start).Round(time.Second).String(),
		System: SystemInfo{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			NumCPU:    runtime.NumCPU(),
			HeapMB:    int(mem.HeapAlloc / (1024 * 1024)),
		},
		Cache: CacheInfo{
			Kind:     s.cfg.Kind.String(),
			Layers:   s.cfg.Layers,
			Pages:    s.pages,
			PageSize: s.cfg.PageSize,
			QHeads:   s.cfg.NumQHeads,
			KVHeads:  s.cfg.NumKVHeads,
			HeadDim:  s.cfg.HeadDim,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("encoding health response", "err", err)
	}
}
