// Package profiling exposes the storage proxy's debug HTTP surface: the
// standard net/http/pprof handlers plus a lightweight runtime memory
// snapshot, gated behind debug.enabled so it never listens in production
// unless an operator opts in.
package profiling

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Server serves pprof and a memory snapshot endpoint on a dedicated port.
// It has no effect on request handling on the client/manager planes; it
// exists purely for an operator attaching `go tool pprof` to a running
// process.
type Server struct {
	log    zerolog.Logger
	server *http.Server
}

// NewServer builds a debug Server bound to addr (":6060" by convention).
func NewServer(addr string, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))

	s := &Server{log: log}
	mux.HandleFunc("/memory/stats", s.handleMemoryStats)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Start listens in the background. Bind failures are logged, not fatal —
// the debug surface is a diagnostic aid, not a request-serving dependency.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("debug server stopped")
		}
	}()
}

// Shutdown drains and closes the debug server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// MemorySample is a point-in-time runtime.MemStats snapshot.
type MemorySample struct {
	Timestamp    time.Time `json:"timestamp"`
	HeapAlloc    uint64    `json:"heap_alloc"`
	HeapSys      uint64    `json:"heap_sys"`
	HeapInuse    uint64    `json:"heap_inuse"`
	NumGC        uint32    `json:"num_gc"`
	NumGoroutine int       `json:"num_goroutine"`
	GCCPUFraction float64  `json:"gc_cpu_fraction"`
}

// CurrentSample returns a fresh runtime memory snapshot.
func CurrentSample() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemorySample{
		Timestamp:     time.Now(),
		HeapAlloc:     ms.HeapAlloc,
		HeapSys:       ms.HeapSys,
		HeapInuse:     ms.HeapInuse,
		NumGC:         ms.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		GCCPUFraction: ms.GCCPUFraction,
	}
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	sample := CurrentSample()
	w.Header().Set("Content-Type", "application/json")
	if _, err := fmt.Fprintf(w, `{
  "heap_alloc_mb": %.2f,
  "heap_sys_mb": %.2f,
  "heap_inuse_mb": %.2f,
  "num_goroutine": %d,
  "num_gc": %d,
  "gc_cpu_fraction": %.4f
}`,
		float64(sample.HeapAlloc)/(1024*1024),
		float64(sample.HeapSys)/(1024*1024),
		float64(sample.HeapInuse)/(1024*1024),
		sample.NumGoroutine,
		sample.NumGC,
		sample.GCCPUFraction,
	); err != nil {
		s.log.Warn().Err(err).Msg("write memory stats response")
	}
}
