package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitysync/pubsub/pkg/auth"
	"github.com/entitysync/pubsub/pkg/database"
	"github.com/entitysync/pubsub/pkg/events"
	"github.com/entitysync/pubsub/pkg/services"
	"github.com/entitysync/pubsub/test/util"
)

const serverTestSecret = "api-server-test-secret"

type serverHarness struct {
	verifier *auth.Verifier
	subs     *services.SubscriptionService
	ts       *httptest.Server
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := util.SetupTestDatabase(t)
	db := database.NewClientFromPool(pool, "")

	verifier := auth.NewVerifier(serverTestSecret)
	manager := events.NewConnectionManager(events.ManagerConfig{
		WriteTimeout:  5 * time.Second,
		MaxQueueBytes: 1 << 20,
		ExpiryWarning: 5 * time.Minute,
		PingInterval:  30 * time.Second,
	})
	subs := services.NewSubscriptionService(pool, 5*time.Second)
	changelog := services.NewChangeLogService(pool, "api_test_channel", 5*time.Second)
	statusWriter := services.NewStatusWriter(changelog)
	engine := events.NewFanoutEngine(subs, manager, statusWriter)
	gateway := events.NewGateway(verifier, manager, subs)

	// Never started: the health endpoint reports its idle state.
	listener := events.NewNotifyListener(events.ListenerConfig{
		Channel:     "api_test_channel",
		BaseDelay:   time.Second,
		MaxAttempts: 3,
	}, engine, statusWriter)

	server := NewServer(db, gateway, manager, subs, listener)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &serverHarness{verifier: verifier, subs: subs, ts: ts}
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return resp.StatusCode, out
}

func TestServer_Healthz(t *testing.T) {
	h := newServerHarness(t)

	code, body := getJSON(t, h.ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "idle", body["listener"])

	db := body["database"].(map[string]any)
	assert.Equal(t, true, db["connected"])
}

func TestServer_Stats(t *testing.T) {
	h := newServerHarness(t)

	_, err := h.subs.Subscribe(context.Background(), "alice", "conn-1", "task", []string{"t-1", "t-2"})
	require.NoError(t, err)

	code, body := getJSON(t, h.ts.URL+"/api/v1/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["connections"])

	subStats := body["subscriptions"].(map[string]any)
	assert.Equal(t, float64(2), subStats["task"])
}

func TestServer_SecurityHeaders(t *testing.T) {
	h := newServerHarness(t)

	resp, err := http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestServer_WebSocketRejectsBadToken(t *testing.T) {
	h := newServerHarness(t)

	url := "ws" + h.ts.URL[len("http"):] + "/ws?token=garbage"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err, "the upgrade succeeds; rejection arrives as a close frame")
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(events.CloseInvalidToken), websocket.CloseStatus(err))
}

func TestServer_WebSocketSubscribeFlow(t *testing.T) {
	h := newServerHarness(t)

	token, err := h.verifier.Issue("alice", time.Hour)
	require.NoError(t, err)

	url := "ws" + h.ts.URL[len("http"):] + "/ws?token=" + token
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame, err := json.Marshal(map[string]any{
		"type":    "SUBSCRIBE",
		"payload": map[string]any{"entityCode": "task", "entityIds": []string{"t-1"}},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "SUBSCRIBED", msg["type"])

	stats, err := h.subs.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["task"])
}
