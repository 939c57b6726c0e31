package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupServer_MemoryStack(t *testing.T) {
	cfg := defaultConfig()
	cfg.AdminSecret = "s3cret"
	cfg.RelayKind = relayMemory

	ctx, cancel := context.WithCancel(context.Background())
	services, err := setupServices(ctx, cfg)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() { errs <- services.Gateway.Start(ctx) }()
	<-services.Gateway.Manager().Started()

	server := httptest.NewServer(setupServer(cfg, services).Handler)
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-errs
		services.Close()
	})

	get := func(path string, authorized bool) (int, string) {
		req, err := http.NewRequest(http.MethodGet, server.URL+path, nil)
		require.NoError(t, err)
		if authorized {
			req.Header.Set("Authorization", "Bearer s3cret")
		}
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(raw)
	}

	status, body := get("/ping", false)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Done", body)

	status, body = get("/api/data", false)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "lb4")

	status, _ = get("/api/token", false)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = get("/api/token", true)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "{}", body)

	status, body = get("/metrics", false)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(body, "hanoiboard_"), "gateway metrics are registered")
}
