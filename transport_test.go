package legacysync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPAuthorityVerbs(t *testing.T) {
	type seen struct {
		method, path, auth string
		body               []byte
	}
	var requests []seen
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, seen{method: r.Method, path: r.URL.RequestURI(), auth: r.Header.Get("Authorization"), body: body})
		if r.Method == http.MethodGet {
			w.Write([]byte(`[{"id":"r-1","type":"documents","data":{"name":"x"},"version":2}]`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	token := func(ctx context.Context) (string, error) { return "tok-123", nil }
	authority := NewHTTPAuthority(server.URL, 5*time.Second, token)
	ctx := context.Background()

	record := &RemoteRecord{ID: "r-1", Type: "documents", Data: json.RawMessage(`{"name":"x"}`)}
	require.NoError(t, authority.Create(ctx, "documents", record))
	require.NoError(t, authority.Update(ctx, "documents", "r-1", record))
	require.NoError(t, authority.Delete(ctx, "documents", "r-1"))

	since := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	changes, err := authority.Changes(ctx, since)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "r-1", changes[0].ID)
	require.Equal(t, int64(2), changes[0].Version)

	require.Len(t, requests, 4)
	require.Equal(t, http.MethodPost, requests[0].method)
	require.Equal(t, "/documents", requests[0].path)
	require.Equal(t, http.MethodPut, requests[1].method)
	require.Equal(t, "/documents/r-1", requests[1].path)
	require.Equal(t, http.MethodDelete, requests[2].method)
	require.Equal(t, "/documents/r-1", requests[2].path)
	require.Equal(t, http.MethodGet, requests[3].method)
	require.Equal(t, "/changes?since=2026-08-30T10%3A00%3A00Z", requests[3].path)

	for _, request := range requests {
		require.Equal(t, "Bearer tok-123", request.auth)
	}
	var uploaded RemoteRecord
	require.NoError(t, json.Unmarshal(requests[0].body, &uploaded))
	require.Equal(t, "r-1", uploaded.ID)
}

func TestHTTPAuthorityDeleteTolerates404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	authority := NewHTTPAuthority(server.URL, 5*time.Second, nil)
	require.NoError(t, authority.Delete(context.Background(), "documents", "missing"))
}

func TestHTTPAuthorityStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	authority := NewHTTPAuthority(server.URL, 5*time.Second, nil)
	err := authority.Create(context.Background(), "documents", &RemoteRecord{ID: "r-1"})
	require.Error(t, err)
	var te *transportError
	require.True(t, errors.As(err, &te))
	require.Equal(t, http.StatusServiceUnavailable, te.status)
}

func TestPermanentFailureClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		err := &transportError{status: tc.status}
		require.Equal(t, tc.permanent, permanentFailure(err), "status %d", tc.status)
	}
	require.False(t, permanentFailure(errors.New("connection refused")))
}

func TestTokenProviderFailureAborts(t *testing.T) {
	var reached bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	defer server.Close()

	token := func(ctx context.Context) (string, error) { return "", errors.New("no session") }
	authority := NewHTTPAuthority(server.URL, 5*time.Second, token)
	err := authority.Create(context.Background(), "documents", &RemoteRecord{ID: "r-1"})
	require.ErrorContains(t, err, "bearer token")
	require.False(t, reached, "request should not reach the server")
}
