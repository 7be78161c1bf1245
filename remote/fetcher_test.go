// ABOUTME: Tests for the backend HTTP client
// ABOUTME: Uses httptest servers to check headers, bodies, and error classification
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harperreed/schoolsync/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestFetcher(t *testing.T, h http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", NewHTTPClient(2*time.Second), logging.Discard())
}

func TestGetReturnsRawJSON(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	})

	raw, err := f.Get(context.Background(), "/events")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(raw))
}

func TestDoSendsBearerAndBody(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"title":"Sports Day"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":9,"title":"Sports Day"}`))
	})

	raw, err := f.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/events",
		Body:   json.RawMessage(`{"title":"Sports Day"}`),
		Token:  &oauth2.Token{AccessToken: "tok-123", TokenType: "Bearer"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9,"title":"Sports Day"}`, string(raw))
}

func TestEmptySuccessBody(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	raw, err := f.Do(context.Background(), Request{Method: http.MethodDelete, Path: "/events/3"})
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestStatusErrors(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			http.Error(w, "token expired", http.StatusUnauthorized)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/boom":
			http.Error(w, "database down", http.StatusInternalServerError)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/garbage":
			_, _ = w.Write([]byte("<html>oops</html>"))
		}
	})
	ctx := context.Background()

	_, err := f.Get(ctx, "/unauthorized")
	var ne *NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusUnauthorized, ne.Status)
	assert.Equal(t, "token expired", ne.Message)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsRetryable(err))

	_, err = f.Get(ctx, "/forbidden")
	assert.True(t, IsUnauthorized(err))
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "Forbidden", ne.Message)

	_, err = f.Get(ctx, "/boom")
	assert.True(t, IsRetryable(err))
	assert.False(t, IsUnauthorized(err))

	_, err = f.Get(ctx, "/missing")
	assert.False(t, IsRetryable(err))

	_, err = f.Get(ctx, "/garbage")
	assert.True(t, IsMalformed(err))
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := New(url, NewHTTPClient(time.Second), logging.Discard())
	_, err := f.Get(context.Background(), "/events")

	var ne *NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, 0, ne.Status)
	assert.True(t, IsRetryable(err))
}

func TestCanceledContextIsNotRetryable(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Get(ctx, "/events")
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}
