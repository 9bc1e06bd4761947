// Package api serves the administrative endpoints: key management and
// queries over recorded requests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ngoyal88/meterproxy/pkg/ai"
	"github.com/ngoyal88/meterproxy/pkg/apierr"
	"github.com/ngoyal88/meterproxy/pkg/keymanager"
	"github.com/ngoyal88/meterproxy/pkg/logging"
	"github.com/ngoyal88/meterproxy/pkg/middleware"
	"github.com/ngoyal88/meterproxy/pkg/storage"
)

const (
	keyTimeout   = 5 * time.Second
	queryTimeout = 10 * time.Second
	maxLogLimit  = 1000
)

// AdminAPI provides endpoints for managing the proxy
type AdminAPI struct {
	keyManager *keymanager.Manager
	store      storage.Store
	adminKey   string
	prices     func() map[string]float64
	log        *zap.Logger
}

// NewAdminAPI creates a new admin API handler. prices supplies the current
// per-1k-token prices for usage reports.
func NewAdminAPI(km *keymanager.Manager, store storage.Store, adminKey string, prices func() map[string]float64, log *zap.Logger) *AdminAPI {
	if prices == nil {
		prices = func() map[string]float64 { return nil }
	}
	return &AdminAPI{
		keyManager: km,
		store:      store,
		adminKey:   adminKey,
		prices:     prices,
		log:        logging.OrNop(log),
	}
}

// Routes returns the admin router, meant to be mounted at /admin.
func (api *AdminAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", api.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(api.adminKey))

		// API Key Management
		r.Post("/keys", api.handleCreateKey)
		r.Get("/keys", api.handleListKeys)
		r.Delete("/keys", api.handleDeleteKey)
		r.Post("/keys/revoke", api.handleRevokeKey)
		r.Post("/keys/rotate", api.handleRotateKey)

		// Analytics
		r.Get("/usage", api.handleUsageStats)
		r.Get("/logs", api.handleLogs)
		r.Get("/logs/{id}", api.handleGetLog)
	})
	return r
}

type createKeyRequest struct {
	Name          string `json:"name"`
	UserID        string `json:"user_id"`
	Description   string `json:"description"`
	ExpiresInDays int    `json:"expires_in_days"`
}

type keyHashRequest struct {
	KeyHash string `json:"key_hash"`
}

// handleCreateKey creates a new API key
func (api *AdminAPI) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.UserID == "" {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, "name and user_id are required")
		return
	}

	var expiresIn *time.Duration
	if req.ExpiresInDays > 0 {
		d := time.Duration(req.ExpiresInDays) * 24 * time.Hour
		expiresIn = &d
	}

	ctx, cancel := context.WithTimeout(r.Context(), keyTimeout)
	defer cancel()

	plaintext, key, err := api.keyManager.CreateKey(ctx, req.Name, req.UserID, req.Description, expiresIn)
	if err != nil {
		api.internal(w, r, "create key", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": plaintext,
		"key":     key,
		"message": "API key created. Store it securely - it won't be shown again.",
	})
}

// handleListKeys lists all API keys for a user
func (api *AdminAPI) handleListKeys(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, "user_id parameter required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), keyTimeout)
	defer cancel()

	keys, err := api.keyManager.ListUserKeys(ctx, userID)
	if err != nil {
		api.internal(w, r, "list keys", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// handleRevokeKey deactivates an API key
func (api *AdminAPI) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req keyHashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KeyHash == "" {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, "key_hash is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), keyTimeout)
	defer cancel()

	if err := api.keyManager.RevokeKey(ctx, req.KeyHash); err != nil {
		api.keyError(w, r, "revoke key", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "API key revoked"})
}

// handleRotateKey creates a new key and deactivates the old one
func (api *AdminAPI) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	var req keyHashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KeyHash == "" {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, "key_hash is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), keyTimeout)
	defer cancel()

	plaintext, key, err := api.keyManager.RotateKey(ctx, req.KeyHash)
	if err != nil {
		api.keyError(w, r, "rotate key", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"api_key": plaintext,
		"key":     key,
		"message": "Key rotated. Old key has been revoked.",
	})
}

// handleDeleteKey permanently removes an API key
func (api *AdminAPI) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	keyHash := r.URL.Query().Get("key_hash")
	if keyHash == "" {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, "key_hash parameter required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), keyTimeout)
	defer cancel()

	if err := api.keyManager.DeleteKey(ctx, keyHash); err != nil {
		api.keyError(w, r, "delete key", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "API key deleted"})
}

// UsageReport is GetUsageStats enriched with estimated cost.
type UsageReport struct {
	*storage.UsageStats
	TotalCostUSD float64   `json:"total_cost_usd"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
}

// handleUsageStats returns usage statistics
func (api *AdminAPI) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, err.Error())
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -7) // Last 7 days
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	stats, err := api.store.GetUsageStats(ctx, q.Get("user_id"), from, to)
	if err != nil {
		api.internal(w, r, "usage stats", err)
		return
	}

	report := UsageReport{UsageStats: stats, From: from, To: to}
	prices := api.prices()
	for model, usage := range stats.ByModel {
		usage.CostUSD = ai.EstimateCost(int(usage.PromptTokens+usage.CompletionTokens), model, prices)
		report.TotalCostUSD += usage.CostUSD
	}
	respondJSON(w, http.StatusOK, report)
}

// handleLogs returns request logs
func (api *AdminAPI) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := storage.LogFilters{
		UserID: q.Get("user_id"),
		Model:  q.Get("model"),
		Limit:  100,
	}

	var err error
	if filters.From, filters.To, err = parseRange(q.Get("from"), q.Get("to")); err != nil {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, err.Error())
		return
	}
	for name, dst := range map[string]*int{"status": &filters.StatusCode, "limit": &filters.Limit, "offset": &filters.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			apierr.Write(w, http.StatusBadRequest, apierr.CodeBadRequest, fmt.Sprintf("invalid %s", name))
			return
		}
		*dst = n
	}
	if filters.Limit > maxLogLimit {
		filters.Limit = maxLogLimit
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	logs, err := api.store.ListRequestLogs(ctx, filters)
	if err != nil {
		api.internal(w, r, "list logs", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

func (api *AdminAPI) handleGetLog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	l, err := api.store.GetRequestLog(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		apierr.Write(w, http.StatusNotFound, apierr.CodeNotFound, "request log not found")
		return
	}
	if err != nil {
		api.internal(w, r, "get log", err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

// handleHealth returns system health
func (api *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := api.store.Ping(ctx); err != nil {
		health["storage"] = "unhealthy"
		health["status"] = "degraded"
	} else {
		health["storage"] = "healthy"
	}
	respondJSON(w, http.StatusOK, health)
}

func (api *AdminAPI) keyError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, keymanager.ErrKeyNotFound) {
		apierr.Write(w, http.StatusNotFound, apierr.CodeNotFound, "api key not found")
		return
	}
	api.internal(w, r, op, err)
}

func (api *AdminAPI) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	logging.FromContext(r.Context(), api.log).Error("admin request failed", zap.String("op", op), zap.Error(err))
	apierr.Write(w, http.StatusInternalServerError, apierr.CodeInternal, fmt.Sprintf("failed to %s", op))
}

func parseRange(fromStr, toStr string) (from, to time.Time, err error) {
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return from, to, fmt.Errorf("invalid from: %w", err)
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return from, to, fmt.Errorf("invalid to: %w", err)
		}
	}
	return from, to, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
