// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend records calls and serves canned responses.
type fakeBackend struct {
	lastPrincipal string
	lastEntity    string
	page          *ChangesPage[json.RawMessage]
	err           error
}

func (f *fakeBackend) ListChangedSince(ctx context.Context, principal, entity string, since int64, cursor string, limit int) (*ChangesPage[json.RawMessage], error) {
	f.lastPrincipal, f.lastEntity = principal, entity
	if f.err != nil {
		return nil, f.err
	}
	if f.page != nil {
		return f.page, nil
	}
	return &ChangesPage[json.RawMessage]{Items: []json.RawMessage{}}, nil
}

func (f *fakeBackend) BatchUpsert(ctx context.Context, principal, entity string, items []json.RawMessage) (*BatchUpsertResponse, error) {
	f.lastPrincipal, f.lastEntity = principal, entity
	if f.err != nil {
		return nil, f.err
	}
	resp := &BatchUpsertResponse{}
	for range items {
		resp.Statuses = append(resp.Statuses, UpsertStatus{Outcome: OutcomeCreated})
	}
	return resp, nil
}

func (f *fakeBackend) DeleteByCorrelationKey(ctx context.Context, principal, entity, localUUID string) (bool, error) {
	f.lastPrincipal, f.lastEntity = principal, entity
	return false, f.err
}

func (f *fakeBackend) GetProfile(ctx context.Context, principal string) (*UserProfile, error) {
	f.lastPrincipal = principal
	return &UserProfile{Owner: principal}, f.err
}

func (f *fakeBackend) MergeProfile(ctx context.Context, principal string, incoming *UserProfile) (*UserProfile, error) {
	f.lastPrincipal = principal
	if f.err != nil {
		return nil, f.err
	}
	merged := *incoming
	merged.Owner = principal
	return &merged, nil
}

func (f *fakeBackend) Entities() []string { return SyncOrder }

func newTestHandlers(t *testing.T, backend Backend, limiter *PrincipalLimiter) (*httptest.Server, string) {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("alice", "device-1", time.Hour)
	require.NoError(t, err)

	h := NewHTTPSyncHandlers(backend, jwtAuth, limiter, nil, "habistat")
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)
	return srv, token
}

func doRequest(t *testing.T, method, url, token string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusEndpointUnauthenticated(t *testing.T) {
	srv, _ := newTestHandlers(t, &fakeBackend{}, nil)

	resp := doRequest(t, "GET", srv.URL+"/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "healthy", status.Status)
	require.Equal(t, SyncOrder, status.Entities)
}

func TestListChangesRequiresAuth(t *testing.T) {
	srv, _ := newTestHandlers(t, &fakeBackend{}, nil)

	resp := doRequest(t, "GET", srv.URL+"/sync/calendars", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, CodeAuthenticationFailed, envelope.Error)
}

func TestListChangesScopedToPrincipal(t *testing.T) {
	backend := &fakeBackend{}
	srv, token := newTestHandlers(t, backend, nil)

	resp := doRequest(t, "GET", srv.URL+"/sync/calendars?since=100&limit=10", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "alice", backend.lastPrincipal, "principal comes from the token, never the request")
	require.Equal(t, "calendars", backend.lastEntity)
}

func TestListChangesRejectsBadParams(t *testing.T) {
	srv, token := newTestHandlers(t, &fakeBackend{}, nil)

	resp := doRequest(t, "GET", srv.URL+"/sync/calendars?since=-5", token, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, "GET", srv.URL+"/sync/calendars?limit=abc", token, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownEntityIsBadRequest(t *testing.T) {
	backend := &fakeBackend{err: ErrUnknownEntity}
	srv, token := newTestHandlers(t, backend, nil)

	resp := doRequest(t, "GET", srv.URL+"/sync/gadgets", token, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, CodeUnknownEntity, envelope.Error)
}

func TestBatchUpsert(t *testing.T) {
	backend := &fakeBackend{}
	srv, token := newTestHandlers(t, backend, nil)

	body := `{"items":[{"local_uuid":"a"},{"local_uuid":"b"}]}`
	resp := doRequest(t, "POST", srv.URL+"/sync/habits/batch", token, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out BatchUpsertResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Statuses, 2)
	require.Equal(t, "habits", backend.lastEntity)

	resp = doRequest(t, "POST", srv.URL+"/sync/habits/batch", token, "{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteAbsentRecordIsOK(t *testing.T) {
	srv, token := newTestHandlers(t, &fakeBackend{}, nil)

	resp := doRequest(t, "POST", srv.URL+"/sync/habits/delete", token, `{"local_uuid":"missing"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DeleteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.False(t, out.Deleted)
}

func TestProfileMergeEndpoint(t *testing.T) {
	backend := &fakeBackend{}
	srv, token := newTestHandlers(t, backend, nil)

	resp := doRequest(t, "PUT", srv.URL+"/sync/profile", token, `{"display_name":"Ilya","updated_at":100}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var merged UserProfile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&merged))
	require.Equal(t, "Ilya", merged.DisplayName)
	require.Equal(t, "alice", merged.Owner)
}

func TestRateLimitReturns429(t *testing.T) {
	limiter := NewPrincipalLimiter(1, 1)
	srv, token := newTestHandlers(t, &fakeBackend{}, limiter)

	resp := doRequest(t, "GET", srv.URL+"/sync/calendars", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, "GET", srv.URL+"/sync/calendars", token, "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("Retry-After"))

	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, CodeRateLimited, envelope.Error)
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	backend := &fakeBackend{err: context.DeadlineExceeded}
	srv, token := newTestHandlers(t, backend, nil)

	resp := doRequest(t, "GET", srv.URL+"/sync/calendars", token, "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, CodeInternalError, envelope.Error)
	require.NotContains(t, envelope.Message, "deadline", "internal details stay out of responses")
}
