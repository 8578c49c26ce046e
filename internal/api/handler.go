// Package api provides HTTP handlers for the Movi API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/movi/internal/registry"
	"github.com/ashureev/movi/internal/store"
)

// Handler serves the read-only fleet endpoints, frontend config and health.
type Handler struct {
	repo     store.Repository
	registry *registry.Registry
	contexts []string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, reg *registry.Registry, contexts []string) *Handler {
	return &Handler{repo: repo, registry: reg, contexts: contexts}
}

// RegisterRoutes registers the fleet and config routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/vehicles", list(h.repo.ListVehicles))
		r.Get("/vehicles/unassigned", list(h.repo.ListUnassignedVehicles))
		r.Get("/drivers", list(h.repo.ListDrivers))
		r.Get("/trips", list(h.repo.ListTrips))
		r.Get("/routes", list(h.repo.ListRoutes))
		r.Get("/paths", list(h.repo.ListPaths))
		r.Get("/stops", list(h.repo.ListStops))
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsConflict(err), errdefs.IsAlreadyExists(err):
		return http.StatusConflict
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func list[T any](fetch func(context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := fetch(r.Context())
		if err != nil {
			slog.Error("Failed to list records", "path", r.URL.Path, "error", err)
			Error(w, StatusFor(err), "failed to load records")
			return
		}
		if items == nil {
			items = []T{}
		}
		JSON(w, http.StatusOK, items)
	}
}

type pageConfig struct {
	Context string   `json:"context"`
	Tools   []string `json:"tools"`
}

// GetConfig returns the assistant configuration for the frontend: the
// tools available on each page and which of them need confirmation.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	pages := make([]pageConfig, 0, len(h.contexts))
	for _, c := range h.contexts {
		pc := pageConfig{Context: c, Tools: []string{}}
		for _, d := range h.registry.ForContext(c) {
			pc.Tools = append(pc.Tools, d.Name)
		}
		pages = append(pages, pc)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"pages":             pages,
		"high_impact_tools": h.registry.HighImpactNames(),
	})
}

// Health reports whether the database is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Warn("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
