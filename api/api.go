// Package api serves the read-only status surface: health of the pipeline
// dependencies and the reconciliation snapshot per session.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/agora-sim/agora/health"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/validation/reconcile"
)

const moduleName = "api"

const shutdownGrace = 5 * time.Second

// ReconcileSource resolves a session id to its reconciliation service.
// The pipeline registers sessions as it opens them.
type ReconcileSource interface {
	Reconciler(sessionID uuid.UUID) (*reconcile.Service, bool)
}

// StatusAPI is the status HTTP server.
type StatusAPI struct {
	endpoint string
	router   *chi.Mux
	gate     *health.Gate
	source   ReconcileSource
	logger   *log.Logger
}

// NewStatusAPI creates the status server.
func NewStatusAPI(endpoint string, gate *health.Gate, source ReconcileSource, l *log.Logger) *StatusAPI {
	a := &StatusAPI{
		endpoint: endpoint,
		gate:     gate,
		source:   source,
		logger:   l.WithModule(moduleName),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)
	r.Get("/v1/health", a.getHealth)
	r.Get("/v1/sessions/{id}/reconciliation", a.getReconciliation)
	a.router = r
	return a
}

// Router returns the router, for tests.
func (a *StatusAPI) Router() *chi.Mux {
	return a.router
}

// Start runs the server until ctx is canceled.
func (a *StatusAPI) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:           a.endpoint,
		Handler:        a.router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting status api", "endpoint", a.endpoint)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Name returns the name of the service.
func (a *StatusAPI) Name() string {
	return moduleName
}

func (a *StatusAPI) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("failed to write response", "err", err)
	}
}

type healthResponse struct {
	Healthy  bool              `json:"healthy"`
	At       time.Time         `json:"at"`
	Failures map[string]string `json:"failures,omitempty"`
}

func (a *StatusAPI) getHealth(w http.ResponseWriter, r *http.Request) {
	report := a.gate.Last()
	if report.At.IsZero() {
		report = a.gate.Evaluate(r.Context())
	}
	resp := healthResponse{Healthy: report.Healthy, At: report.At}
	if len(report.Failures) > 0 {
		resp.Failures = make(map[string]string, len(report.Failures))
		for name, err := range report.Failures {
			resp.Failures[name] = err.Error()
		}
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, resp)
}

func (a *StatusAPI) getReconciliation(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}
	svc, ok := a.source.Reconciler(sessionID)
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}

	motion := uuid.Nil
	if raw := r.URL.Query().Get("motion"); raw != "" {
		if motion, err = uuid.Parse(raw); err != nil {
			a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid motion id"})
			return
		}
	}
	a.writeJSON(w, http.StatusOK, svc.Status(r.Context(), motion))
}
