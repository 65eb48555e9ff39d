package slogx_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aussiebroadwan/carelink/pkg/slogx"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	require.Equal(t, slog.LevelDebug, slogx.ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, slogx.ParseLevel("warning"))
	require.Equal(t, slog.LevelError, slogx.ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, slogx.ParseLevel("bogus"))
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := slogx.New(slogx.Config{Service: "carelink", Version: "test", Env: "prod", Level: "info", Output: &buf})
	logger.Info("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])
	require.Equal(t, "carelink", line["service"])
	require.Equal(t, "v", line["k"])
}

func TestTransportAssignsRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(slogx.RequestIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := &http.Client{Transport: slogx.NewTransport(nil, logger)}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/appointments", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer do-not-log-me")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = ulid.ParseStrict(seen)
	require.NoError(t, err, "request id should be a ulid")
	require.Empty(t, req.Header.Get(slogx.RequestIDHeader), "caller's request must not be mutated")
	require.Contains(t, buf.String(), seen)
	require.Contains(t, buf.String(), "/appointments")
	require.False(t, strings.Contains(buf.String(), "do-not-log-me"))
}

func TestTransportKeepsCallerRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(slogx.RequestIDHeader)
	}))
	defer srv.Close()

	client := &http.Client{Transport: slogx.NewTransport(nil, nil)}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(slogx.RequestIDHeader, "fixed-id")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "fixed-id", seen)
}

func TestFromContextFallback(t *testing.T) {
	t.Parallel()

	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	require.Same(t, fallback, slogx.FromContext(t.Context(), fallback))

	stored := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := slogx.WithContext(t.Context(), stored)
	require.Same(t, stored, slogx.FromContext(ctx, fallback))
}
