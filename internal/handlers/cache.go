package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"quizcache/internal/manager"
	"quizcache/pkg/logging/logging"
)

// CacheService is the part of manager.Service the admin endpoints drive.
type CacheService interface {
	CacheStats(ctx context.Context) manager.Stats
	PerformCleanup(ctx context.Context) manager.CleanupResult
	OptimizeCache(ctx context.Context) (manager.CleanupResult, error)
	ClearUserCache(ctx context.Context, userID string) manager.ClearResult
	ClearByPattern(ctx context.Context, pattern string) (manager.ClearResult, error)
	ClearAllCache(ctx context.Context)
	Config() manager.Config
}

// CacheHandler serves the /v1/cache admin endpoints.
type CacheHandler struct {
	Service CacheService
}

func NewCacheHandler(svc CacheService) *CacheHandler {
	return &CacheHandler{Service: svc}
}

// Routes mounts the handler under the caller's router.
func (h *CacheHandler) Routes(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Get("/config", h.Config)
	r.Post("/cleanup", h.Cleanup)
	r.Post("/optimize", h.Optimize)
	r.Delete("/users/{userID}", h.ClearUser)
	r.Delete("/", h.ClearByPattern)
	r.Delete("/all", h.ClearAll)
}

// Stats handles GET /v1/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.Service.CacheStats(r.Context()))
}

func (h *CacheHandler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.Service.Config())
}

// Cleanup handles POST /v1/cache/cleanup.
func (h *CacheHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.Service.PerformCleanup(r.Context()))
}

// Optimize handles POST /v1/cache/optimize. A failed flush still reports
// the cleanup result, with 502 since the document store refused the write.
func (h *CacheHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.Service.OptimizeCache(ctx)
	if err != nil {
		logging.L(ctx).Error("optimize_failed", zap.Error(err))
		writeJSON(w, r, http.StatusBadGateway, map[string]any{
			"error":   "batch_flush_failed",
			"message": err.Error(),
			"cleanup": res,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// ClearUser handles DELETE /v1/cache/users/{userID}.
func (h *CacheHandler) ClearUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_user_id", "user id is required")
		return
	}
	writeJSON(w, r, http.StatusOK, h.Service.ClearUserCache(r.Context(), userID))
}

// ClearByPattern handles DELETE /v1/cache?pattern=<regexp>.
func (h *CacheHandler) ClearByPattern(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, r, http.StatusBadRequest, "missing_pattern", "pattern query parameter is required")
		return
	}
	res, err := h.Service.ClearByPattern(r.Context(), pattern)
	if err != nil {
		logging.L(r.Context()).Warn("invalid_pattern", zap.String("pattern", pattern), zap.Error(err))
		writeError(w, r, http.StatusBadRequest, "invalid_pattern", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// ClearAll handles DELETE /v1/cache/all.
func (h *CacheHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.Service.ClearAllCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, r, status, map[string]string{"error": code, "message": msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.L(r.Context()).Warn("response_encode_failed", zap.Error(err))
	}
}
