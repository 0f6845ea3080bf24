package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnp-monitoreo/backend/internal/config"
	"github.com/rnp-monitoreo/backend/internal/logging"
	"github.com/rnp-monitoreo/backend/internal/models"
)

type liveFrame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func dialLive(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/live" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) liveFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f liveFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestLiveWebSocket(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/api/machine-state", statePayload(2, t0, false, false, true, false))

	srv := httptest.NewServer(env.e)
	defer srv.Close()

	conn := dialLive(t, srv, "?machines=1")

	// 1. Initial snapshot only covers followed machines
	f := readFrame(t, conn)
	assert.Equal(t, models.MsgTypeInitialData, f.Type)
	assert.JSONEq(t, `[]`, string(f.Data))

	// 2. Ping
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	f = readFrame(t, conn)
	assert.Equal(t, models.MsgTypePong, f.Type)

	// 3. Updates for machine 1 arrive, machine 2 does not
	env.do(http.MethodPost, "/api/machine-state", statePayload(2, t0.Add(time.Second), true, false, false, false))
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0, true, false, false, false))
	f = readFrame(t, conn)
	require.Equal(t, models.MsgTypeUpdate, f.Type)
	var view models.MachineView
	require.NoError(t, json.Unmarshal(f.Data, &view))
	assert.Equal(t, 1, view.MachineID)
	assert.Equal(t, models.StateRunning, view.State)
	require.NotNil(t, view.Event)
	assert.Equal(t, models.StateIdle, view.Event.FromState)

	// 4. Resubscribe sends a fresh snapshot
	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeSubscribe, Channel: ChannelMachineStatus, Machines: []int{1, 2}}))
	f = readFrame(t, conn)
	require.Equal(t, models.MsgTypeInitialData, f.Type)
	var views []models.MachineView
	require.NoError(t, json.Unmarshal(f.Data, &views))
	require.Len(t, views, 2)
	assert.Equal(t, 1, views[0].MachineID)
	assert.Equal(t, 2, views[1].MachineID)
	assert.Equal(t, models.StateRunning, views[1].State)

	// 5. Unknown type and channel
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "upload"}))
	f = readFrame(t, conn)
	assert.Equal(t, models.MsgTypeError, f.Type)
	assert.Equal(t, "INVALID_TYPE", f.Code)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeSubscribe, Channel: "alarms"}))
	f = readFrame(t, conn)
	assert.Equal(t, "INVALID_CHANNEL", f.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f = readFrame(t, conn)
	assert.Equal(t, "INVALID_PAYLOAD", f.Code)
}

func TestLiveWebSocket_AllMachinesAndCleanup(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	conn := dialLive(t, srv, "")
	f := readFrame(t, conn)
	assert.Equal(t, models.MsgTypeInitialData, f.Type)
	assert.Equal(t, 1, env.hub.Stats().Subscribers)

	env.do(http.MethodPost, "/api/machine-state", statePayload(7, t0, true, false, false, false))
	f = readFrame(t, conn)
	assert.Equal(t, models.MsgTypeUpdate, f.Type)

	conn.Close()
	assert.Eventually(t, func() bool {
		return env.hub.Stats().Subscribers == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiveWebSocket_BadMachineList(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/ws/live?machines=1,x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseMachineList(t *testing.T) {
	ids, err := parseMachineList("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	ids, err = parseMachineList(" 1, 2,,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)

	_, err = parseMachineList("-1")
	assert.Error(t, err)
}

func TestSetupMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.AllowOrigins = "http://dashboard.local"

	var logs strings.Builder
	logger := logging.NewWithWriter(&logs, "json", slog.LevelInfo)

	e := echo.New()
	SetupMiddleware(e, cfg, logger)
	e.GET("/api/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/machines", func(c echo.Context) error { return NewNotFoundError("machine", "1") })

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(echo.HeaderOrigin, "http://dashboard.local")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://dashboard.local", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.NotContains(t, logs.String(), "/api/health")

	req = httptest.NewRequest(http.MethodGet, "/api/machines", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
	assert.Contains(t, logs.String(), `"uri":"/api/machines"`)
}
