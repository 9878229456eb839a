// Package admin is the REST and metrics surface for shardbouncer, grounded
// on the teacher's internal/api.Server: gorilla/mux router, promhttp metrics
// endpoint, and a background http.Server with a graceful Stop. Where the
// teacher's surface was tenant CRUD, this one is read-mostly over a static
// cluster topology: shard/pool status plus pause/resume/reconnect on one
// pool at a time.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/metrics"
)

// Server is the admin REST API and metrics server.
type Server struct {
	cluster    *cluster.Cluster
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	bind       string
}

// NewServer creates a new admin server bound to bind:port.
func NewServer(c *cluster.Cluster, m *metrics.Collector, bind string) *Server {
	return &Server{
		cluster:   c,
		metrics:   m,
		startTime: time.Now(),
		bind:      bind,
	}
}

// Start starts the HTTP admin server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/shards", s.shardsHandler).Methods("GET")
	r.HandleFunc("/pools", s.poolsHandler).Methods("GET")
	r.HandleFunc("/pools/{shard}/{role}/pause", s.pausePool).Methods("POST")
	r.HandleFunc("/pools/{shard}/{role}/resume", s.resumePool).Methods("POST")
	r.HandleFunc("/pools/{shard}/{role}/reconnect", s.reconnectPool).Methods("POST")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Uptime     string `json:"uptime"`
	ShardCount int    `json:"shard_count"`
	ReadOnly   bool   `json:"read_only"`
	WriteOnly  bool   `json:"write_only"`
	GoVersion  string `json:"go_version"`
	NumGo      int    `json:"num_goroutine"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		Uptime:     time.Since(s.startTime).String(),
		ShardCount: s.cluster.ShardCount(),
		ReadOnly:   s.cluster.ReadOnly(),
		WriteOnly:  s.cluster.WriteOnly(),
		GoVersion:  runtime.Version(),
		NumGo:      runtime.NumGoroutine(),
	})
}

type shardResponse struct {
	Index        int    `json:"index"`
	PrimaryAddr  string `json:"primary_addr,omitempty"`
	ReplicaCount int    `json:"replica_count"`
}

func (s *Server) shardsHandler(w http.ResponseWriter, r *http.Request) {
	shards := s.cluster.Shards()
	out := make([]shardResponse, 0, len(shards))
	for i, sh := range shards {
		resp := shardResponse{Index: i}
		if sh.Primary != nil {
			resp.PrimaryAddr = sh.Primary.Address().String()
		}
		if sh.Replicas != nil {
			resp.ReplicaCount = len(sh.Replicas.All())
		}
		out = append(out, resp)
	}
	writeJSON(w, out)
}

type poolResponse struct {
	Shard int    `json:"shard"`
	Role  string `json:"role"` // "primary" or "replica"
	Addr  string `json:"addr"`
	Stats any    `json:"stats"`
}

func (s *Server) poolsHandler(w http.ResponseWriter, r *http.Request) {
	shards := s.cluster.Shards()
	out := make([]poolResponse, 0)
	for i, sh := range shards {
		if sh.Primary != nil {
			out = append(out, poolResponse{Shard: i, Role: "primary", Addr: sh.Primary.Address().String(), Stats: sh.Primary.Stats()})
		}
		if sh.Replicas != nil {
			for _, p := range sh.Replicas.All() {
				out = append(out, poolResponse{Shard: i, Role: "replica", Addr: p.Address().String(), Stats: p.Stats()})
			}
		}
	}
	writeJSON(w, out)
}

func (s *Server) pausePool(w http.ResponseWriter, r *http.Request) {
	s.withTargetPool(w, r, func(p poolController) error {
		p.Ban("paused via admin API", time.Duration(math.MaxInt64))
		return nil
	})
}

func (s *Server) resumePool(w http.ResponseWriter, r *http.Request) {
	s.withTargetPool(w, r, func(p poolController) error {
		p.Unban()
		return nil
	})
}

func (s *Server) reconnectPool(w http.ResponseWriter, r *http.Request) {
	s.withTargetPool(w, r, func(p poolController) error {
		p.Drain(5 * time.Second)
		return nil
	})
}

// poolController is the narrow subset of *pool.Pool the admin surface
// mutates, kept as an interface so handlers don't reach into pool
// internals.
type poolController interface {
	Ban(reason string, ttl time.Duration)
	Unban()
	Drain(timeout time.Duration)
}

func (s *Server) withTargetPool(w http.ResponseWriter, r *http.Request, fn func(poolController) error) {
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["shard"])
	if err != nil {
		http.Error(w, "invalid shard index", http.StatusBadRequest)
		return
	}
	sh, ok := s.cluster.Shard(idx)
	if !ok {
		http.Error(w, "unknown shard", http.StatusNotFound)
		return
	}

	var target poolController
	if vars["role"] == "primary" {
		target = sh.Primary
	} else {
		for _, p := range sh.Replicas.All() {
			if p.Address().String() == vars["role"] {
				target = p
				break
			}
		}
	}
	if target == nil {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}
	if err := fn(target); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.cluster.ShardCount() == 0 {
		http.Error(w, "no shards configured", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
