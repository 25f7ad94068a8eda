package rest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/snapshot"
)

type stubSnapshots struct {
	lastChain  string
	lastOffset int
	lastLimit  int
	err        error
	panics     bool
}

func (s *stubSnapshots) Snapshot(chain string, offset, limit int) (snapshot.ChainSnapshot, error) {
	if s.panics {
		panic("boom")
	}
	s.lastChain, s.lastOffset, s.lastLimit = chain, offset, limit
	if s.err != nil {
		return snapshot.ChainSnapshot{}, s.err
	}
	return snapshot.ChainSnapshot{Timestamp: 1724500000000, Chain: strings.ToLower(chain)}, nil
}

func serve(t *testing.T, stub *stubSnapshots, gatherer prometheus.Gatherer, url string) *httptest.ResponseRecorder {
	t.Helper()
	handler := NewHandler(stub, slog.New(slog.NewTextHandler(os.Stderr, nil)), gatherer)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestSnapshotEndpoint(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		stub := &stubSnapshots{}
		rec := serve(t, stub, nil, "/api/snapshots/ethereum")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "ethereum", stub.lastChain)
		assert.Equal(t, 0, stub.lastOffset)
		assert.Equal(t, 25, stub.lastLimit)

		var body snapshot.ChainSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ethereum", body.Chain)
		assert.EqualValues(t, 1724500000000, body.Timestamp)
	})

	t.Run("Pagination Params", func(t *testing.T) {
		stub := &stubSnapshots{}
		serve(t, stub, nil, "/api/snapshots/polygon?offset=50&limit=10")
		assert.Equal(t, 50, stub.lastOffset)
		assert.Equal(t, 10, stub.lastLimit)
	})

	t.Run("Limit Capped At 100", func(t *testing.T) {
		stub := &stubSnapshots{}
		serve(t, stub, nil, "/api/snapshots/ethereum?limit=9999")
		assert.Equal(t, 100, stub.lastLimit)
	})

	t.Run("Garbage Params Fall Back To Defaults", func(t *testing.T) {
		stub := &stubSnapshots{}
		serve(t, stub, nil, "/api/snapshots/ethereum?offset=abc&limit=-5")
		assert.Equal(t, 0, stub.lastOffset)
		assert.Equal(t, 25, stub.lastLimit)
	})

	t.Run("Unknown Chain Is 404", func(t *testing.T) {
		stub := &stubSnapshots{err: fmt.Errorf("%w: solana", chains.ErrChainNotSupported)}
		rec := serve(t, stub, nil, "/api/snapshots/solana")

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"message": "Chain not supported"}`, rec.Body.String())
	})

	t.Run("Internal Failure Is 500", func(t *testing.T) {
		stub := &stubSnapshots{err: fmt.Errorf("registry exploded")}
		rec := serve(t, stub, nil, "/api/snapshots/ethereum")

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"message": "Internal server error"}`, rec.Body.String())
	})

	t.Run("Panic Recovers To 500", func(t *testing.T) {
		stub := &stubSnapshots{panics: true}
		rec := serve(t, stub, nil, "/api/snapshots/ethereum")

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"message": "Internal server error"}`, rec.Body.String())
	})
}

func TestRecoverAfterPartialWriteKeepsResponse(t *testing.T) {
	s := &server{logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	handler := s.recoverPanic(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		panic("mid-stream")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots/ethereum", nil))

	require.Equal(t, http.StatusOK, rec.Code, "committed status is final")
	assert.Equal(t, "partial", rec.Body.String(), "no error envelope appended after the fact")
}

func TestHealthEndpoint(t *testing.T) {
	rec := serve(t, &stubSnapshots{}, nil, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "aggregator_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	rec := serve(t, &stubSnapshots{}, registry, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aggregator_test_total 1")
}
