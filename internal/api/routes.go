package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/andranikuz/ai-calendar/internal/conflict"
	"github.com/andranikuz/ai-calendar/internal/gateway"
	"github.com/andranikuz/ai-calendar/internal/store"
	syncpkg "github.com/andranikuz/ai-calendar/internal/sync"
)

type Handler struct {
	manager *syncpkg.Manager
	ledger  *conflict.Ledger
	gateway *gateway.Gateway
}

func NewHandler(manager *syncpkg.Manager, ledger *conflict.Ledger, gw *gateway.Gateway) *Handler {
	return &Handler{
		manager: manager,
		ledger:  ledger,
		gateway: gw,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/offline", func(r chi.Router) {
			r.Get("/status", h.OfflineStatus)
			r.Post("/sync", h.TriggerSync)
			r.Post("/clear", h.ClearOfflineData)
			r.Post("/refresh", h.RefreshOfflineData)
		})

		r.Route("/sync-conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Post("/", h.RecordConflict)
			r.Get("/stats", h.ConflictStats)
			r.Post("/{conflictID}/resolve", h.ResolveConflict)
			r.Post("/bulk-resolve", h.BulkResolveConflicts)
		})

		// Everything else goes to the upstream through the offline-aware
		// gateway.
		r.NotFound(h.gateway.ServeHTTP)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) OfflineStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.manager.SyncPendingActions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(report)
}

func (h *Handler) ClearOfflineData(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ClearOfflineData(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}

func (h *Handler) RefreshOfflineData(w http.ResponseWriter, r *http.Request) {
	data, err := h.manager.RefreshOfflineData(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.ledger.ListPending(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// RecordConflict stores a conflict handed in by the calendar sync
// collaborator.
func (h *Handler) RecordConflict(w http.ResponseWriter, r *http.Request) {
	var c store.SyncConflict
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ledger.Record(r.Context(), &c); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

func (h *Handler) ConflictStats(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}

	stats, err := h.ledger.Stats(r.Context(), r.URL.Query().Get("user_id"), days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	total := 0
	for _, n := range stats {
		total += n
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"stats":  stats,
		"total":  total,
		"period": days,
	})
}

type resolveRequest struct {
	conflict.ResolutionAction
	ResolvedBy string `json:"resolved_by"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "conflictID")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "user"
	}

	err := h.ledger.Resolve(r.Context(), conflictID, &req.ResolutionAction, req.ResolvedBy)
	switch {
	case errors.Is(err, conflict.ErrConflictNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, conflict.ErrConflictAlreadyResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
	}
}

type bulkResolveRequest struct {
	ConflictIDs []string `json:"conflict_ids"`
	Action      string   `json:"action"`
	Resolution  string   `json:"resolution"`
	ResolvedBy  string   `json:"resolved_by"`
}

func (h *Handler) BulkResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var req bulkResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "user"
	}

	action := &conflict.ResolutionAction{Action: req.Action, Resolution: req.Resolution}
	results := h.ledger.BulkResolve(r.Context(), req.ConflictIDs, action, req.ResolvedBy)

	successful, failed := 0, 0
	for _, res := range results {
		if res.Success {
			successful++
		} else {
			failed++
		}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"successful": successful,
		"failed":     failed,
		"results":    results,
	})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}
