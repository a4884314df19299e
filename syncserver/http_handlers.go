// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ilyaizen/habistat-sub002/internal/auth"
)

// ClientAuthenticator extracts principal and device identity from requests.
// Implementations validate auth (e.g. JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetPrincipal(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// Backend is the service surface the HTTP layer needs. *Service implements
// it; tests substitute fakes.
type Backend interface {
	ListChangedSince(ctx context.Context, principal, entity string, since int64, cursor string, limit int) (*ChangesPage[json.RawMessage], error)
	BatchUpsert(ctx context.Context, principal, entity string, items []json.RawMessage) (*BatchUpsertResponse, error)
	DeleteByCorrelationKey(ctx context.Context, principal, entity, localUUID string) (bool, error)
	GetProfile(ctx context.Context, principal string) (*UserProfile, error)
	MergeProfile(ctx context.Context, principal string, incoming *UserProfile) (*UserProfile, error)
	Entities() []string
}

// HTTPSyncHandlers serves the sync HTTP API.
type HTTPSyncHandlers struct {
	backend       Backend
	authenticator ClientAuthenticator
	limiter       *PrincipalLimiter // nil disables rate limiting
	logger        *slog.Logger
	appName       string
}

// NewHTTPSyncHandlers creates the handler set.
func NewHTTPSyncHandlers(backend Backend, authenticator ClientAuthenticator, limiter *PrincipalLimiter, logger *slog.Logger, appName string) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		backend:       backend,
		authenticator: authenticator,
		limiter:       limiter,
		logger:        logger,
		appName:       appName,
	}
}

// Mux returns the routed handler. The admin migration endpoint is
// deliberately not mounted here; it is an out-of-band CLI operation.
func (h *HTTPSyncHandlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /sync/profile", h.withPrincipal(h.handleGetProfile))
	mux.HandleFunc("PUT /sync/profile", h.withPrincipal(h.handlePutProfile))
	mux.HandleFunc("GET /sync/{entity}", h.withPrincipal(h.handleListChanges))
	mux.HandleFunc("POST /sync/{entity}/batch", h.withPrincipal(h.handleBatchUpsert))
	mux.HandleFunc("POST /sync/{entity}/delete", h.withPrincipal(h.handleDelete))
	return mux
}

// withPrincipal authenticates the request, applies the per-principal rate
// limit, and stashes the identity in the request context.
func (h *HTTPSyncHandlers) withPrincipal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.authenticator.GetPrincipal(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
			return
		}
		deviceID, err := h.authenticator.GetDeviceID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
			return
		}
		if h.limiter != nil && !h.limiter.Allow(principal) {
			w.Header().Set("Retry-After", "1")
			h.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "principal is writing too fast")
			return
		}
		ctx := auth.SetPrincipal(r.Context(), principal)
		ctx = auth.SetDeviceID(ctx, deviceID)
		next(w, r.WithContext(ctx))
	}
}

func (h *HTTPSyncHandlers) handleListChanges(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	entity := r.PathValue("entity")

	since := int64(0)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	page, err := h.backend.ListChangedSince(r.Context(), principal, entity, since, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.writeBackendError(w, r, "list changes", err)
		return
	}
	h.writeJSON(w, page)
}

func (h *HTTPSyncHandlers) handleBatchUpsert(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	entity := r.PathValue("entity")

	var req BatchUpsertRequest[json.RawMessage]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to parse batch upsert request")
		return
	}

	resp, err := h.backend.BatchUpsert(r.Context(), principal, entity, req.Items)
	if err != nil {
		h.writeBackendError(w, r, "batch upsert", err)
		return
	}
	h.writeJSON(w, resp)
}

func (h *HTTPSyncHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	entity := r.PathValue("entity")

	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to parse delete request")
		return
	}

	deleted, err := h.backend.DeleteByCorrelationKey(r.Context(), principal, entity, req.LocalUUID)
	if err != nil {
		h.writeBackendError(w, r, "delete", err)
		return
	}
	h.writeJSON(w, &DeleteResponse{Deleted: deleted})
}

func (h *HTTPSyncHandlers) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	profile, err := h.backend.GetProfile(r.Context(), principal)
	if err != nil {
		h.writeBackendError(w, r, "get profile", err)
		return
	}
	h.writeJSON(w, profile)
}

func (h *HTTPSyncHandlers) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())

	var incoming UserProfile
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to parse profile")
		return
	}

	merged, err := h.backend.MergeProfile(r.Context(), principal, &incoming)
	if err != nil {
		h.writeBackendError(w, r, "merge profile", err)
		return
	}
	h.writeJSON(w, merged)
}

// HandleStatus reports service health; unauthenticated by design so load
// balancers can probe it.
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, &StatusResponse{
		Status:   "healthy",
		AppName:  h.appName,
		Entities: h.backend.Entities(),
	})
}

func (h *HTTPSyncHandlers) writeBackendError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrUnknownEntity):
		h.writeError(w, http.StatusBadRequest, CodeUnknownEntity, err.Error())
	case errors.Is(err, ErrBadPayload):
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	default:
		h.logger.Error("sync request failed", "op", op, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "request failed")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: code, Message: message})
}
