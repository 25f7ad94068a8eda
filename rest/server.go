// Package rest exposes the aggregator over HTTP: the paginated snapshot
// endpoint, a health probe and the Prometheus scrape surface.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/snapshot"
)

const (
	defaultLimit = 25
	maxLimit     = 100
)

// SnapshotProvider is the slice of the snapshot service the router needs.
type SnapshotProvider interface {
	Snapshot(chain string, offset, limit int) (snapshot.ChainSnapshot, error)
}

type server struct {
	snapshots SnapshotProvider
	logger    chains.Logger
}

// NewHandler builds the HTTP routing tree. gatherer may be nil to omit the
// /metrics endpoint.
func NewHandler(snapshots SnapshotProvider, logger chains.Logger, gatherer prometheus.Gatherer) http.Handler {
	s := &server{snapshots: snapshots, logger: logger}

	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Use(s.recoverPanic)

	r.Get("/api/snapshots/{chain}", s.handleSnapshot)
	r.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	chain := chi.URLParam(r, "chain")
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", defaultLimit)
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	snap, err := s.snapshots.Snapshot(chain, offset, limit)
	switch {
	case errors.Is(err, chains.ErrChainNotSupported):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Chain not supported"})
	case err != nil:
		s.logger.Error("Snapshot request failed", "chain", chain, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLog records method, path, status and latency per request.
func (s *server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

// recoverPanic converts handler panics into the JSON 500 contract. A panic
// after the handler has started writing leaves the partial response alone;
// the envelope cannot be sent once headers are out.
func (s *server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("Handler panicked", "path", r.URL.Path, "panic", p)
				if !rec.wrote {
					writeJSON(rec, http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
				}
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
