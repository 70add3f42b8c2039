package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"
)

// Server is the liveness probe. It answers GET /health, / and /ready
// with a small JSON status document.
type Server struct {
	started      time.Time
	pbxConnected func() bool
	srv          *http.Server
}

type status struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	RSSMB        float64 `json:"rss_mb"`
	HeapUsedMB   float64 `json:"heapUsed_mb"`
	PBXConnected bool    `json:"pbxConnected"`
	PID          int     `json:"pid"`
	Started      string  `json:"started"`
}

// NewServer creates the probe on the given port. pbxConnected reports
// the ARI event stream state.
func NewServer(port int, pbxConnected func() bool) *Server {
	s := &Server{
		started:      time.Now(),
		pbxConnected: pbxConnected,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handle)
	mux.HandleFunc("/ready", s.handle)
	mux.HandleFunc("/", s.handle)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[Health] Server failed", "error", err)
		}
	}()
	slog.Info("[Health] Probe listening", "addr", s.srv.Addr)
}

// Stop shuts the probe down.
func (s *Server) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/", "/health", "/ready":
	default:
		// The "/" pattern is a catch-all; only the documented routes
		// answer.
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status{
		Status:       "ok",
		UptimeS:      time.Since(s.started).Seconds(),
		RSSMB:        float64(ms.Sys) / (1 << 20),
		HeapUsedMB:   float64(ms.HeapAlloc) / (1 << 20),
		PBXConnected: s.pbxConnected(),
		PID:          os.Getpid(),
		Started:      s.started.Format(time.RFC3339),
	})
}
