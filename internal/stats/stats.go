// Package stats implements the mount's optional HTTP statistics endpoint:
// cumulative operation counters plus a bounded history of recent
// operations, served as JSON.
package stats

import (
	"container/ring"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Config carries the statistics.* settings.
type Config struct {
	Enabled     bool
	Host        string
	Port        int
	StatsPath   string
	HistorySize int
}

// Recorder is anything that can report a snapshot of cumulative counters.
// internal/fuseadapter.FS satisfies this directly.
type Recorder interface {
	Stats() map[string]int64
}

// Server is the statistics.* HTTP endpoint: one JSON handler reporting
// cumulative counters and recent operation history, everything else 404s.
type Server struct {
	cfg      Config
	recorder Recorder
	logger   *zap.SugaredLogger
	bootTime time.Time

	mu      sync.Mutex
	history *ring.Ring // of string

	httpSrv *http.Server
}

// New builds a Server. Call Start to actually bind and serve.
func New(cfg Config, recorder Recorder, logger *zap.SugaredLogger) *Server {
	size := cfg.HistorySize
	if size <= 0 {
		size = 1
	}
	return &Server{
		cfg: cfg, recorder: recorder, logger: logger,
		bootTime: time.Now(), history: ring.New(size),
	}
}

// RecordOp appends an operation description to the bounded history ring,
// overwriting the oldest entry once history_size is reached.
func (s *Server) RecordOp(desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Value = desc
	s.history = s.history.Next()
}

func (s *Server) historySnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	s.history.Do(func(v any) {
		if v != nil {
			out = append(out, v.(string))
		}
	})
	return out
}

type statsResponse struct {
	UptimeSeconds float64          `json:"uptime_seconds"`
	Counters      map[string]int64 `json:"counters"`
	History       []string         `json:"recent_operations"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		UptimeSeconds: time.Since(s.bootTime).Seconds(),
		Counters:      s.recorder.Stats(),
		History:       s.historySnapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Start binds and serves in the background if statistics.enabled is set;
// otherwise it's a no-op.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	router := mux.NewRouter()
	router.HandleFunc(s.cfg.StatsPath, s.handleStats).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpSrv = &http.Server{Addr: addr, Handler: router}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("stats: server exited: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the statistics server down, if it was started.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
