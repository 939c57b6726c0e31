package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/hanoiboard/go/internal/instance"
)

func startTestServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	app := instance.NewApp(instance.NewMemoryStore(), clockwork.NewRealClock())
	_, err := app.Bootstrap(context.Background())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ManagerConfig.AdminSecret = testSecret
	service := NewService(cfg, app)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- service.Start(ctx) }()
	<-service.Manager().Started()

	router := chi.NewRouter()
	service.RegisterRoutes(router)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-errs
	})
	return server, service
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"User-Agent": []string{"scoreboard-test"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestWebSocketSession(t *testing.T) {
	server, service := startTestServer(t)
	ws := dial(t, server)

	assert.Equal(t, defaultMeta, readText(t, ws))
	assert.Equal(t, emptyData, readText(t, ws))
	assert.Equal(t, "AUTH:required", readText(t, ws))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", readText(t, ws))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ADMIN:"+testSecret)))
	assert.Equal(t, "ADMIN:OK", readText(t, ws))
	clients := readText(t, ws)
	assert.Contains(t, clients, `"userAgent":"scoreboard-test"`)

	infos, err := service.Manager().Clients(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "Admin", infos[0].Role)
}

func TestWebSocketCloseUnregisters(t *testing.T) {
	server, service := startTestServer(t)
	ws := dial(t, server)
	readText(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ws.Close()

	require.Eventually(t, func() bool {
		stats, err := service.Manager().GetConnectionStats(context.Background())
		return err == nil && stats.TotalConnections == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnectionStatsEndpoint(t *testing.T) {
	server, _ := startTestServer(t)
	ws := dial(t, server)
	readText(t, ws)

	resp, err := http.Get(server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.False(t, stats.AdminConnected)
}
