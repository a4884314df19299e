// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilyaizen/habistat-sub002/syncserver"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func testRemote(rt roundTripFunc) *Remote {
	client := &http.Client{Transport: rt}
	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	return NewRemote("http://sync.test", client, token, "device-1")
}

func jsonResponse(status int, v any) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(string(body))),
	}
}

func TestRemoteSetsAuthHeaders(t *testing.T) {
	r := testRemote(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "Bearer test-token", req.Header.Get("Authorization"))
		require.Equal(t, "device-1", req.Header.Get("X-Habistat-Source"))
		require.Equal(t, "42", req.URL.Query().Get("since"))
		require.Equal(t, "25", req.URL.Query().Get("limit"))
		return jsonResponse(http.StatusOK, syncserver.ChangesPage[syncserver.Calendar]{}), nil
	})

	_, err := FetchPage[syncserver.Calendar](context.Background(), r, "calendars", 42, "", 25)
	require.NoError(t, err)
}

func TestRemoteUnauthorized(t *testing.T) {
	r := testRemote(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, syncserver.ErrorResponse{
			Error: syncserver.CodeAuthenticationFailed,
		}), nil
	})

	_, err := r.GetProfile(context.Background())
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRemoteRateLimited(t *testing.T) {
	r := testRemote(func(req *http.Request) (*http.Response, error) {
		resp := jsonResponse(http.StatusTooManyRequests, syncserver.ErrorResponse{
			Error: syncserver.CodeRateLimited,
		})
		resp.Header.Set("Retry-After", "7")
		return resp, nil
	})

	_, err := r.GetProfile(context.Background())
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 7*time.Second, rl.RetryAfter)
	require.True(t, IsRetryable(err))
}

func TestRemoteServerErrorIsTransient(t *testing.T) {
	r := testRemote(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, syncserver.ErrorResponse{
			Error: syncserver.CodeInternalError,
		}), nil
	})

	_, err := r.GetProfile(context.Background())
	var te *TransientError
	require.ErrorAs(t, err, &te)
	require.True(t, IsRetryable(err))
}

func TestRemoteNetworkErrorIsTransient(t *testing.T) {
	r := testRemote(func(req *http.Request) (*http.Response, error) {
		return nil, io.ErrUnexpectedEOF
	})

	_, err := r.GetProfile(context.Background())
	var te *TransientError
	require.ErrorAs(t, err, &te)
}

func TestRemoteRejectionCarriesEnvelope(t *testing.T) {
	r := testRemote(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadRequest, syncserver.ErrorResponse{
			Error:   syncserver.CodeUnknownEntity,
			Message: "unknown entity type: gadgets",
		}), nil
	})

	_, err := FetchPage[syncserver.Calendar](context.Background(), r, "gadgets", 0, "", 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown entity type: gadgets")
	require.False(t, IsRetryable(err))
}

func TestRemoteDeleteAbsentRecord(t *testing.T) {
	r := testRemote(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "/sync/habits/delete", req.URL.Path)
		return jsonResponse(http.StatusOK, syncserver.DeleteResponse{Deleted: false}), nil
	})

	deleted, err := r.DeleteRecord(context.Background(), "habits", "some-uuid")
	require.NoError(t, err)
	require.False(t, deleted)
}
