// Package server exposes stored pageviews over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/elonfeng/wdpv/internal/metrics"
	"github.com/elonfeng/wdpv/internal/store"
	"github.com/elonfeng/wdpv/pkg/dump"
	"github.com/elonfeng/wdpv/pkg/ingest"
	"github.com/elonfeng/wdpv/pkg/resolve"
)

// IngestFunc runs one ingest pass.
type IngestFunc func(ctx context.Context) (*ingest.Report, error)

// Server provides the HTTP API.
type Server struct {
	store   store.Store
	dumper  *dump.Dumper
	ingest  IngestFunc
	port    int
	logger  *zap.Logger
}

// New creates a new HTTP server. ingestFn may be nil to disable POST /api/v1/ingest.
func New(s store.Store, ingestFn IngestFunc, port int, logger *zap.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{
		store:  s,
		dumper: dump.New(s, logger),
		ingest: ingestFn,
		port:   port,
		logger: logger,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/hours", s.handleHours).Methods(http.MethodGet)
	api.HandleFunc("/dump", s.handleDump).Methods(http.MethodGet)
	api.HandleFunc("/qids/{qid}", s.handleQID).Methods(http.MethodGet)
	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	latest, err := s.store.LatestHour(r.Context())
	switch {
	case err == nil:
		resp["latest_hour"] = dump.FormatHour(latest)
	case !errors.Is(err, store.ErrNoHours):
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHours(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := s.dumper.Range(r.Context(), q.Get("start"), q.Get("end"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	hours, err := s.store.ListHours(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start": dump.FormatHour(from),
		"end":   dump.FormatHour(to),
		"data":  hours,
		"count": len(hours),
	})
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.dumper.Dump(r.Context(), q.Get("start"), q.Get("end"), q.Get("mode"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQID(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["qid"]
	qid, ok := resolve.ParseQID(raw)
	if !ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid qid %q", raw)})
			return
		}
		qid = n
	}

	q := r.URL.Query()
	from, to, err := s.dumper.Range(r.Context(), q.Get("start"), q.Get("end"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	series, err := s.store.QIDSeries(r.Context(), qid, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var total int64
	for _, v := range series {
		total += v.Views
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"qid":   resolve.FormatQID(qid),
		"start": dump.FormatHour(from),
		"end":   dump.FormatHour(to),
		"views": total,
		"data":  series,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ingest not configured"})
		return
	}
	rep, err := s.ingest(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dump.ErrBadRange), errors.Is(err, dump.ErrUnknownMode):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNoHours):
		status = http.StatusNotFound
	case errors.Is(err, ingest.ErrBusy):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(err.Error())})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
