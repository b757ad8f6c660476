package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/app/client/config"
	"crmsync/internal/domain/sync"
	"crmsync/internal/utils/logger"
)

func newTestHTTPClient(t *testing.T, handler http.Handler) *httpClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{ServerAddress: srv.URL, HTTPTimeout: 5 * time.Second}
	return NewHTTPClient(cfg, logger.Discard())
}

func TestAPIError_Temporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusConflict, false},
		{http.StatusRequestEntityTooLarge, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := fmt.Errorf("push: %w", &APIError{StatusCode: tt.status})
			assert.Equal(t, tt.want, IsTemporary(err))
			assert.False(t, IsNetworkError(err))
		})
	}
}

func TestIsTemporary_NetworkFailure(t *testing.T) {
	cfg := &config.Config{ServerAddress: "http://127.0.0.1:1", HTTPTimeout: time.Second}
	c := NewHTTPClient(cfg, logger.Discard())

	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, IsTemporary(err))
	assert.True(t, IsNetworkError(err))
	assert.False(t, IsTemporary(errors.New("plain")))
}

func TestHTTPClient_Push(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/push", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req sync.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "b-1", req.BatchID)
		assert.True(t, req.LastBatch)

		_ = json.NewEncoder(w).Encode(sync.PushResponse{
			Results: []sync.PushResult{{EntityID: "c-1", Status: sync.ResultSent, Version: 3}},
		})
	}))
	c.SetToken("tok")

	resp, err := c.Push(context.Background(), sync.PushRequest{BatchID: "b-1", LastBatch: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 3, resp.Results[0].Version)
}

func TestHTTPClient_Pull(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/pull", r.URL.Path)
		assert.Equal(t, "2024-05-01T12:00:00Z", r.URL.Query().Get("since"))
		assert.Equal(t, "dev-1", r.URL.Query().Get("deviceId"))
		_, _ = w.Write([]byte(`{"changes":[{"id":"c-1","entity":"contact","data":{"name":"Ivan"},"metadata":{"version":2}}],"syncToken":"t"}`))
	}))

	resp, err := c.Pull(context.Background(), since, "dev-1")
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, 2, resp.Changes[0].Metadata.Version)
	assert.Equal(t, "t", resp.SyncToken)
}

func TestHTTPClient_ErrorBodies(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{
			name:    "problem json",
			status:  http.StatusBadRequest,
			body:    `{"title":"Bad Request","status":400,"detail":"Batch size exceeds maximum of 50"}`,
			wantMsg: "Batch size exceeds maximum of 50",
		},
		{
			name:    "middleware json",
			status:  http.StatusUnauthorized,
			body:    `{"error":"Unauthorized"}`,
			wantMsg: "Unauthorized",
		},
		{
			name:   "no body",
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.Status(context.Background())
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestHTTPClient_Login(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Password != "right" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"token":"abc"}`))
	}))

	token, err := c.Login(context.Background(), "rep", "right")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = c.Login(context.Background(), "rep", "wrong")
	assert.EqualError(t, err, "server returned 401: invalid credentials")
}
