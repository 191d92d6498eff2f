package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elonfeng/wdpv/internal/store"
	"github.com/elonfeng/wdpv/pkg/ingest"
)

func hour(s string) time.Time {
	h, err := time.Parse("2006-01-02T15", s)
	if err != nil {
		panic(err)
	}
	return h
}

func newStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.New(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WriteHour(ctx,
		store.HourRecord{File: "a.gz", Hour: hour("2024-01-01T22"), Views: 15, MaxQID: 42, NQIDs: 2},
		[]store.ViewCount{{QID: 0, Views: 5}, {QID: 42, Views: 10}}))
	require.NoError(t, s.WriteHour(ctx,
		store.HourRecord{File: "b.gz", Hour: hour("2024-01-01T23"), Views: 5, MaxQID: 64, NQIDs: 2},
		[]store.ViewCount{{QID: 42, Views: 1}, {QID: 64, Views: 4}}))
}

func get(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func newServer(t *testing.T, fn IngestFunc) (http.Handler, *store.SQLStore) {
	t.Helper()
	s := newStore(t)
	seed(t, s)
	return New(s, fn, 0, zap.NewNop()).Handler(), s
}

func TestHealth(t *testing.T) {
	h, _ := newServer(t, nil)
	rec, body := get(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2024-01-01T23", body["latest_hour"])

	empty := New(newStore(t), nil, 0, zap.NewNop()).Handler()
	rec, body = get(t, empty, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, body, "latest_hour")
}

func TestHours(t *testing.T) {
	h, _ := newServer(t, nil)
	rec, body := get(t, h, http.MethodGet, "/api/v1/hours?start=2h")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-01-01T22", body["start"])
	assert.EqualValues(t, 2, body["count"])

	rec, body = get(t, h, http.MethodGet, "/api/v1/hours?start=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "bad range")
}

func TestDump(t *testing.T) {
	h, _ := newServer(t, nil)
	rec, body := get(t, h, http.MethodGet, "/api/v1/dump?start=2024-01-01T22&end=2024-01-01T23")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"Q42": 11.0, "Q64": 4.0}, body["views"])
	assert.EqualValues(t, 20, body["total_views"])

	rec, body = get(t, h, http.MethodGet, "/api/v1/dump?mode=logprobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "logprobs")
	assert.Contains(t, body, "default_logprob")

	rec, _ = get(t, h, http.MethodGet, "/api/v1/dump?mode=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDumpEmptyStore(t *testing.T) {
	h := New(newStore(t), nil, 0, zap.NewNop()).Handler()
	rec, _ := get(t, h, http.MethodGet, "/api/v1/dump")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQID(t *testing.T) {
	h, _ := newServer(t, nil)
	for _, path := range []string{"/api/v1/qids/Q42", "/api/v1/qids/42"} {
		rec, body := get(t, h, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "Q42", body["qid"])
		assert.EqualValues(t, 11, body["views"])
		assert.Len(t, body["data"], 2)
	}

	rec, _ := get(t, h, http.MethodGet, "/api/v1/qids/P31")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestEndpoint(t *testing.T) {
	called := 0
	h, _ := newServer(t, func(context.Context) (*ingest.Report, error) {
		called++
		return &ingest.Report{Processed: 2}, nil
	})

	rec, body := get(t, h, http.MethodPost, "/api/v1/ingest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["processed"])
	assert.Equal(t, 1, called)

	rec, _ = get(t, h, http.MethodGet, "/api/v1/ingest")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIngestEndpointErrors(t *testing.T) {
	h, _ := newServer(t, nil)
	rec, _ := get(t, h, http.MethodPost, "/api/v1/ingest")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h, _ = newServer(t, func(context.Context) (*ingest.Report, error) {
		return nil, errors.New("source unavailable")
	})
	rec, body := get(t, h, http.MethodPost, "/api/v1/ingest")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "source unavailable", body["error"])

	h, _ = newServer(t, func(context.Context) (*ingest.Report, error) {
		return nil, ingest.ErrBusy
	})
	rec, body = get(t, h, http.MethodPost, "/api/v1/ingest")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ingest already running", body["error"])
}

func TestMetrics(t *testing.T) {
	h, _ := newServer(t, nil)
	rec, _ := get(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wdpv_views_ingested_total")
}
