// Package httpapi exposes signal ingestion and the alert query surface over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"signal-fusion/internal/fusion"
	"signal-fusion/internal/ingest"
	"signal-fusion/internal/metrics"
)

const (
	transportHTTP = "http"
	maxBodyBytes  = 1 << 20
)

// Engine is the part of the fusion engine the API needs.
type Engine interface {
	ingest.Registrar
	ListActiveAlerts(limit int) []fusion.AlertRecord
	Snapshot(entityKey string) []fusion.SignalEvent
	State(entityKey string) fusion.State
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBatch        int
}

// Server serves the API until its context is cancelled.
type Server struct {
	opts   Options
	engine Engine
	logger zerolog.Logger
	srv    *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(opts Options, engine Engine, logger zerolog.Logger) *Server {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 500
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		opts:   opts,
		engine: engine,
		logger: logger.With().Str("component", "http").Logger(),
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Routes(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

// Routes returns the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/signals", s.handleSignals)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/entities/{key}", s.handleEntity)
	})
	return r
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http api stopped")
	return nil
}

type rejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type signalsResponse struct {
	Accepted int         `json:"accepted"`
	Rejected []rejection `json:"rejected,omitempty"`
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	batch, err := ingest.DecodeBatch(body)
	if err != nil {
		metrics.IngestMessages.WithLabelValues(transportHTTP, "decode_error").Inc()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(batch) > s.opts.MaxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("batch of %d exceeds limit %d", len(batch), s.opts.MaxBatch))
		return
	}

	resp := signalsResponse{}
	for i, m := range batch {
		if err := ingest.Apply(s.engine, m); err != nil {
			metrics.IngestMessages.WithLabelValues(transportHTTP, "rejected").Inc()
			resp.Rejected = append(resp.Rejected, rejection{Index: i, Error: err.Error()})
			continue
		}
		metrics.IngestMessages.WithLabelValues(transportHTTP, "ok").Inc()
		resp.Accepted++
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	alerts := s.engine.ListActiveAlerts(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	key := fusion.NormalizeKey(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, fusion.ErrEmptyKey)
		return
	}
	events := s.engine.Snapshot(key)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_key": key,
		"state":      s.engine.State(key).String(),
		"events":     events,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
