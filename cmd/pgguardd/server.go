package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernandezvara/pgguard"
)

type server struct {
	db       *pgguard.Supervisor
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/db", func(r chi.Router) {
		r.Get("/now", s.handleNow)
		r.Post("/reconnect", s.handleReconnect)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.db.Health(r.Context())

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		if status.RetryAfter > 0 {
			secs := int((status.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, code, status)
}

func (s *server) handleNow(w http.ResponseWriter, r *http.Request) {
	var now time.Time
	err := s.db.QueryRow(r.Context(), "SELECT now()").Scan(&now)
	if pgguard.WriteUnavailable(w, err) {
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "query failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"now": now})
}

func (s *server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	started := s.db.Reconnect(r.Context())
	code := http.StatusAccepted
	if !started {
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{
		"started":      started,
		"state":        s.db.State().String(),
		"reconnecting": s.db.Reconnecting(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
