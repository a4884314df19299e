// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

// TokenFunc supplies a fresh bearer token for each request.
type TokenFunc func(ctx context.Context) (string, error)

// Remote talks to the sync server over HTTP. It is safe for concurrent use.
type Remote struct {
	baseURL  string
	http     *http.Client
	token    TokenFunc
	sourceID string
}

// NewRemote creates a remote client. sourceID identifies this device in
// request headers for server-side diagnostics.
func NewRemote(baseURL string, httpClient *http.Client, token TokenFunc, sourceID string) *Remote {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Remote{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		http:     httpClient,
		token:    token,
		sourceID: sourceID,
	}
}

// do performs one authenticated JSON round trip and maps HTTP failures onto
// the engine's error taxonomy.
func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token, err := r.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if r.sourceID != "" {
		req.Header.Set("X-Habistat-Source", r.sourceID)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("server error: %s", resp.Status)}
	default:
		var envelope syncserver.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
			return fmt.Errorf("request rejected (%s): %s", envelope.Error, envelope.Message)
		}
		return fmt.Errorf("request rejected: %s", resp.Status)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

// FetchPage retrieves one page of server-side changes for an entity type.
func FetchPage[T any](ctx context.Context, r *Remote, entity string, since int64, cursor string, limit int) (syncserver.ChangesPage[T], error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page syncserver.ChangesPage[T]
	err := r.do(ctx, http.MethodGet, "/sync/"+entity+"?"+q.Encode(), nil, &page)
	return page, err
}

// PushBatch uploads a batch of local changes for an entity type.
func PushBatch[T any](ctx context.Context, r *Remote, entity string, items []T) (syncserver.BatchUpsertResponse, error) {
	var resp syncserver.BatchUpsertResponse
	err := r.do(ctx, http.MethodPost, "/sync/"+entity+"/batch", syncserver.BatchUpsertRequest[T]{Items: items}, &resp)
	return resp, err
}

// DeleteRecord asks the server to remove a record by correlation key.
// Deleting an absent record succeeds with deleted=false.
func (r *Remote) DeleteRecord(ctx context.Context, entity, localUUID string) (bool, error) {
	var resp syncserver.DeleteResponse
	err := r.do(ctx, http.MethodPost, "/sync/"+entity+"/delete", syncserver.DeleteRequest{LocalUUID: localUUID}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// GetProfile fetches the server's copy of the user profile.
func (r *Remote) GetProfile(ctx context.Context) (syncserver.UserProfile, error) {
	var p syncserver.UserProfile
	err := r.do(ctx, http.MethodGet, "/sync/profile", nil, &p)
	return p, err
}

// PutProfile merges the local profile into the server's copy and returns
// the merged result.
func (r *Remote) PutProfile(ctx context.Context, p syncserver.UserProfile) (syncserver.UserProfile, error) {
	var merged syncserver.UserProfile
	err := r.do(ctx, http.MethodPut, "/sync/profile", p, &merged)
	return merged, err
}

// entityRemote adapts Remote to the per-entity RemoteAdapter surface.
type entityRemote[T Record] struct {
	r      *Remote
	entity string
}

func (er entityRemote[T]) FetchChanges(ctx context.Context, since int64, cursor string, limit int) (syncserver.ChangesPage[T], error) {
	return FetchPage[T](ctx, er.r, er.entity, since, cursor, limit)
}

func (er entityRemote[T]) PushBatch(ctx context.Context, items []T) ([]syncserver.UpsertStatus, error) {
	resp, err := PushBatch(ctx, er.r, er.entity, items)
	if err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}
