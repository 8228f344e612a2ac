// Package statusapi exposes a read-only HTTP view of live calls.
package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/dense-identity/relaycall/internal/calling"
	"github.com/dense-identity/relaycall/internal/callstore"
	"github.com/dense-identity/relaycall/internal/journal"
)

type Config struct {
	Service *calling.Service
	// Journal and Store are optional.
	Journal *journal.Journal
	Store   *callstore.Store
	Logger  logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type server struct {
	cfg     Config
	started time.Time
}

// New builds the router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("statusapi: calling service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	s := &server{cfg: cfg, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/healthz", s.health)
	r.Route("/calls", func(r chi.Router) {
		r.Get("/", s.listCalls)
		r.Get("/{id}", s.getCall)
		r.Get("/{id}/events", s.callEvents)
	})
	r.Get("/store/calls", s.storedCalls)
	return r, nil
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.cfg.Logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("[StatusAPI] Request served")
	})
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"calls":  len(s.cfg.Service.Calls()),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *server) listCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.cfg.Service.Calls()
	out := make([]calling.Snapshot, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, ok := s.cfg.Service.Call(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown call "+id)
		return
	}
	writeJSON(w, http.StatusOK, call.Snapshot())
}

func (s *server) callEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotImplemented, "journal_disabled", "event journal is not enabled")
		return
	}
	entries, err := s.cfg.Journal.ForCall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.cfg.Logger.WithError(err).Error("[StatusAPI] Journal query failed")
		writeError(w, http.StatusInternalServerError, "internal", "journal query failed")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) storedCalls(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, "store_disabled", "call store is not enabled")
		return
	}
	snaps, err := s.cfg.Store.List(r.Context())
	if err != nil {
		s.cfg.Logger.WithError(err).Error("[StatusAPI] Call store query failed")
		writeError(w, http.StatusBadGateway, "store_unavailable", "call store query failed")
		return
	}
	if snaps == nil {
		snaps = []calling.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiErrorBody{Code: code, Message: msg})
}
