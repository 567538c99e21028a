package provider_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/enrollwatch/internal/adapter/driven/provider"
	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// newTestClient creates a Client backed by the given httptest handler.
func newTestClient(t *testing.T, handler http.Handler, opts provider.Options) *provider.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return provider.NewClientWithHTTPClient(server.Client(), server.URL+"/", "client-id", "client-secret", opts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAcquireToken_Success(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client_credentials", body["grant_type"])
		assert.Equal(t, "client-id", body["client_id"])
		assert.Equal(t, "client-secret", body["client_secret"])

		writeJSON(w, http.StatusOK, map[string]any{"access_token": "abc", "expires_in": 3600})
	})

	client := newTestClient(t, handler, provider.Options{})
	var transcript bytes.Buffer

	token, ttl, err := client.AcquireToken(context.Background(), &transcript)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
	assert.Equal(t, time.Hour, ttl)

	assert.Contains(t, transcript.String(), "Access token response: [200]")
	assert.Contains(t, transcript.String(), `    "access_token": "abc"`)
	assert.NotContains(t, transcript.String(), "client-secret", "secrets must never reach the attempt log")
}

func TestAcquireToken_ExpiresInAsString(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "abc", "expires_in": "7200"})
	})

	client := newTestClient(t, handler, provider.Options{})

	_, ttl, err := client.AcquireToken(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, ttl)
}

func TestAcquireToken_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"invalid_client"}`, wantStatus: 401},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantStatus: 500},
		{name: "malformed body", status: http.StatusOK, body: `{not json`, wantStatus: 200},
		{name: "missing token", status: http.StatusOK, body: `{"expires_in":60}`, wantStatus: 200},
		{name: "missing expiry", status: http.StatusOK, body: `{"access_token":"abc"}`, wantStatus: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			client := newTestClient(t, handler, provider.Options{})

			_, _, err := client.AcquireToken(context.Background(), &bytes.Buffer{})
			require.Error(t, err)

			var tokenErr *driven.TokenError
			require.True(t, errors.As(err, &tokenErr))
			assert.Equal(t, tt.wantStatus, tokenErr.StatusCode)
		})
	}
}

func TestAcquireToken_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := provider.NewClientWithHTTPClient(&http.Client{Timeout: time.Second}, url, "id", "secret", provider.Options{})
	var transcript bytes.Buffer

	_, _, err := client.AcquireToken(context.Background(), &transcript)

	var tokenErr *driven.TokenError
	require.True(t, errors.As(err, &tokenErr))
	assert.Zero(t, tokenErr.StatusCode)
	assert.Contains(t, transcript.String(), "Error while requesting access token:")
}

func TestFetchStatus_Pending(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/matriculas/42", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"estado_matricula": "pendiente"}})
	})

	client := newTestClient(t, handler, provider.Options{})
	var transcript bytes.Buffer

	status, err := client.FetchStatus(context.Background(), 42, "tok", &transcript)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentPending, status.State)
	assert.False(t, status.Ready())
	assert.Contains(t, transcript.String(), "Tuition response: [200]")
	assert.Contains(t, transcript.String(), `"estado_matricula": "pendiente"`)
}

func TestFetchStatus_Ready(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"estado_matricula": "matriculado",
			"email":            "a@b.com",
			"usuario":          "astudent",
			"password":         "s3cret",
			"nombre":           "Ana",
			"apellidos":        "Bravo",
		}})
	})

	client := newTestClient(t, handler, provider.Options{})

	status, err := client.FetchStatus(context.Background(), 42, "tok", &bytes.Buffer{})
	require.NoError(t, err)
	assert.True(t, status.Ready())
	assert.Equal(t, "matriculado", status.RawState)
	assert.Equal(t, "a@b.com", status.Email)
	assert.Equal(t, "astudent", status.Username)
	assert.Equal(t, "s3cret", status.Password)
	assert.Equal(t, "Ana", status.FirstName)
	assert.Equal(t, "Bravo", status.LastName)
}

func TestFetchStatus_ErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind driven.StatusKind
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"message":"no existe"}`, wantKind: driven.StatusNotFound},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"message":"expired"}`, wantKind: driven.StatusUnauthorized},
		{name: "server error", status: http.StatusInternalServerError, body: `{}`, wantKind: driven.StatusTransient},
		{name: "forbidden", status: http.StatusForbidden, body: `{}`, wantKind: driven.StatusTransient},
		{name: "malformed body", status: http.StatusOK, body: `<html>`, wantKind: driven.StatusTransient},
		{name: "missing data", status: http.StatusOK, body: `{"result":{}}`, wantKind: driven.StatusTransient},
		{name: "missing state", status: http.StatusOK, body: `{"data":{"email":"a@b.com"}}`, wantKind: driven.StatusTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			client := newTestClient(t, handler, provider.Options{})
			var transcript bytes.Buffer

			status, err := client.FetchStatus(context.Background(), 7, "tok", &transcript)
			assert.Nil(t, status)

			var statusErr *driven.StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.wantKind, statusErr.Kind)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Contains(t, transcript.String(), fmt.Sprintf("Tuition response: [%d]", tt.status))
		})
	}
}

func TestFetchStatus_NonJSONBodyRecordedVerbatim(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("plain failure"))
	})
	client := newTestClient(t, handler, provider.Options{})
	var transcript bytes.Buffer

	_, err := client.FetchStatus(context.Background(), 3, "tok", &transcript)
	assert.True(t, driven.IsStatusKind(err, driven.StatusTransient))
	assert.Contains(t, transcript.String(), "Tuition response: [400]\nplain failure\n")
}

func TestFetchStatus_TimeoutIsTransient(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := provider.NewClientWithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}, server.URL, "id", "secret", provider.Options{})

	_, err := client.FetchStatus(context.Background(), 42, "tok", &bytes.Buffer{})
	assert.True(t, driven.IsStatusKind(err, driven.StatusTransient))
}

func TestFetchStatus_RetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"estado_matricula": "pendiente"}})
	})

	client := newTestClient(t, handler, provider.Options{HTTPRetries: 1})

	status, err := client.FetchStatus(context.Background(), 42, "tok", &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentPending, status.State)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchStatus_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	client := newTestClient(t, handler, provider.Options{})

	_, err := client.FetchStatus(context.Background(), 42, "tok", &bytes.Buffer{})
	assert.True(t, driven.IsStatusKind(err, driven.StatusTransient))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchStatus_CanceledContext(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	client := newTestClient(t, handler, provider.Options{RequestsPerSecond: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchStatus(ctx, 42, "tok", &bytes.Buffer{})
	assert.True(t, driven.IsStatusKind(err, driven.StatusTransient))
}
