package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rnp-monitoreo/backend/internal/hub"
	"github.com/rnp-monitoreo/backend/internal/models"
	"github.com/rnp-monitoreo/backend/internal/parser"
	"github.com/rnp-monitoreo/backend/internal/reconciler"
	"github.com/rnp-monitoreo/backend/internal/session"
	"github.com/rnp-monitoreo/backend/internal/testutil"
)

var t0 = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	e     *echo.Echo
	store *testutil.MockStorage
	hub   *hub.Hub
	rec   *reconciler.Reconciler
}

func newTestEnv(t *testing.T, options ...func(*Dependencies)) *testEnv {
	t.Helper()
	store := testutil.NewMockStorage()
	h := hub.New(16, nil)
	rec := reconciler.New(store, h, nil)
	norm := parser.NewNormalizer(parser.NewRegistry(), parser.NewSignalMaps(nil), func() time.Time { return t0 })

	deps := Dependencies{
		Store:      store,
		Reconciler: rec,
		Normalizer: norm,
		Hub:        h,
		Version:    "test",
		Now:        func() time.Time { return t0 },
	}
	for _, opt := range options {
		opt(&deps)
	}

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	RegisterRoutes(e, NewHandlers(deps, "memory"))
	return &testEnv{e: e, store: store, hub: h, rec: rec}
}

func (env *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func statePayload(machineID int, at time.Time, verde, amarillo, rojo, contador bool) string {
	return fmt.Sprintf(`{"machine_id":%d,"timestamp":%q,"estados":{"Verde":%t,"Amarillo":%t,"Rojo":%t,"Contador":%t}}`,
		machineID, at.Format(time.RFC3339Nano), verde, amarillo, rojo, contador)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestHealthHandlers(t *testing.T) {
	e := echo.New()
	h := NewHealthHandler("1.2.3", "duckdb")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if assert.NoError(t, h.HandleHealth(c)) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
		assert.Contains(t, rec.Body.String(), `"version":"1.2.3"`)
		assert.Contains(t, rec.Body.String(), `"storage":"duckdb"`)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/test", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	if assert.NoError(t, h.HandleTest(c)) {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"API is working!"}`, rec.Body.String())
	}
}

func TestMachineState(t *testing.T) {
	env := newTestEnv(t)

	// 1. Running
	rec := env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0, true, false, false, false))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeEnvelope(t, rec)
	assert.True(t, body.Success)

	var res IngestResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, 1, res.MachineID)
	assert.Equal(t, models.StateRunning, res.MachineState)
	assert.True(t, res.Timestamp.Equal(t0))
	assert.Equal(t, models.StateIdle, res.Event.FromState)
	assert.NotZero(t, res.ID)

	// 2. Stopped five seconds later
	rec = env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(5*time.Second), false, false, true, false))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &res))
	assert.Equal(t, models.StateStopped, res.MachineState)
	assert.Equal(t, 5.0, res.Event.AccumulatedActiveSeconds)

	// 3. Machine was auto-registered
	m, err := env.store.GetMachine(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Máquina 1", m.Name)

	// 4. History
	rec = env.do(http.MethodGet, "/api/machines/1/states?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var states []models.StateRecord
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &states))
	require.Len(t, states, 2)
	assert.Equal(t, models.StateStopped, states[0].State)
	assert.True(t, states[0].Rojo)

	rec = env.do(http.MethodGet, "/api/machines/1/timelogs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []models.TimeLog
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, models.StateRunning, logs[0].State)
	assert.Equal(t, 5.0, logs[0].Duration)
}

func TestMachineState_IgnoresClientComputedFields(t *testing.T) {
	env := newTestEnv(t)

	body := fmt.Sprintf(`{"machine_id":2,"timestamp":%q,"state":"error","active_time":999,"units_count":50,"estados":{"Verde":true}}`,
		t0.Format(time.RFC3339))
	rec := env.do(http.MethodPost, "/api/machine-state", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res IngestResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &res))
	assert.Equal(t, models.StateRunning, res.MachineState)
	assert.Zero(t, res.Event.AccumulatedActiveSeconds)
}

func TestMachineState_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{"machine_id":`},
		{"not an object", `[1,2,3]`},
		{"missing machine id", `{"timestamp":"2024-05-02T08:00:00Z","estados":{"Verde":true}}`},
		{"missing timestamp", `{"machine_id":1,"estados":{"Verde":true}}`},
		{"bad timestamp", `{"machine_id":1,"timestamp":"yesterday","estados":{"Verde":true}}`},
		{"missing lines", `{"machine_id":1,"timestamp":"2024-05-02T08:00:00Z"}`},
		{"lines not an object", `{"machine_id":1,"timestamp":"2024-05-02T08:00:00Z","estados":true}`},
		{"negative machine id", `{"machine_id":-3,"timestamp":"2024-05-02T08:00:00Z","estados":{"Verde":true}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/machine-state", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decodeEnvelope(t, rec)
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Message)
		})
	}

	// Nothing was reconciled or stored.
	assert.Zero(t, env.rec.Stats().Reconciled)
	assert.Empty(t, env.store.States())
}

func TestMachineState_PersistFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetAppendErr(errors.New("disk full"))

	sub := env.hub.Subscribe(1)
	defer env.hub.Unsubscribe(sub)

	rec := env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0, true, false, false, false))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "Error al guardar estado", body.Message)
	assert.Equal(t, "disk full", body.Error)

	// The live view still saw the snapshot.
	select {
	case msg := <-sub.Messages():
		assert.Contains(t, string(msg), `"type":"update"`)
	default:
		t.Fatal("expected a live update despite the persist failure")
	}
	assert.Equal(t, int64(1), env.rec.Stats().PersistFailures)
}

func TestMachines(t *testing.T) {
	env := newTestEnv(t)

	// 1. Initially empty
	rec := env.do(http.MethodGet, "/api/machines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(decodeEnvelope(t, rec).Data))

	// 2. Create
	rec = env.do(http.MethodPost, "/api/machines", `{"id":3,"name":"Cremer"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created MachineSummary
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &created))
	assert.Equal(t, 3, created.ID)
	assert.Equal(t, "Cremer", created.Name)
	assert.Equal(t, models.MachineActive, created.Status)
	assert.Nil(t, created.Live)

	// 3. Duplicate
	rec = env.do(http.MethodPost, "/api/machines", `{"id":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 4. Invalid status
	rec = env.do(http.MethodPost, "/api/machines", `{"id":4,"status":"broken"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 5. Get with live state
	env.do(http.MethodPost, "/api/machine-state", statePayload(3, t0, true, false, false, false))
	rec = env.do(http.MethodGet, "/api/machines/3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got MachineSummary
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &got))
	require.NotNil(t, got.Live)
	assert.Equal(t, models.StateRunning, got.Live.State)
	assert.True(t, got.Live.Lights.Verde.State)

	// 6. Unknown and malformed ids
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/machines/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/machines/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/machines/0/states", "").Code)
}

func TestGetStatesMsgpack(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(time.Duration(i)*time.Second), true, false, false, false))
	}

	rec := env.do(http.MethodGet, "/api/machines/1/states/msgpack?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var decoded struct {
		MachineID int                  `msgpack:"machineId"`
		Records   []models.StateRecord `msgpack:"records"`
		Total     int                  `msgpack:"total"`
	}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, 1, decoded.MachineID)
	assert.Equal(t, 2, decoded.Total)
	require.Len(t, decoded.Records, 2)
	assert.Equal(t, models.StateRunning, decoded.Records[0].State)
	assert.True(t, decoded.Records[0].Timestamp.Equal(t0.Add(2*time.Second)))
}

func TestResetMachine(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(-time.Minute), true, false, false, false))

	rec := env.do(http.MethodPost, "/api/machines/1/reset", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view models.MachineView
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &view))
	assert.Equal(t, models.StateIdle, view.State)
	assert.Zero(t, view.Timers.Active)
	assert.Zero(t, view.Counter.Total)
}

func TestProduction(t *testing.T) {
	env := newTestEnv(t)

	// 1. Start
	start := fmt.Sprintf(`{"machine_id":1,"batch_id":"L-001","start_time":%q,"target_units":4}`, t0.Format(time.RFC3339))
	rec := env.do(http.MethodPost, "/api/production/start", start)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/production/start", start)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/production/start", `{"machine_id":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 2. Two counter pulses
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(1*time.Second), true, false, false, true))
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(2*time.Second), true, false, false, false))
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(3*time.Second), true, false, false, true))

	states := env.store.States()
	require.Len(t, states, 3)
	assert.Equal(t, "L-001", states[2].BatchID)
	assert.Equal(t, 2, states[2].UnitsCount)

	// 3. End without units uses the live counter
	end := fmt.Sprintf(`{"end_time":%q}`, t0.Add(time.Hour).Format(time.RFC3339))
	rec = env.do(http.MethodPost, "/api/production/L-001/end", end)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p models.Production
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &p))
	assert.Equal(t, 2, p.UnitsProduced)
	require.NotNil(t, p.EndTime)
	require.NotNil(t, p.RatePerHour)
	assert.InDelta(t, 2.0, *p.RatePerHour, 1e-9)
	require.NotNil(t, p.Efficiency)
	assert.InDelta(t, 50.0, *p.Efficiency, 1e-9)

	// 4. Already ended and unknown
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/production/L-001/end", end).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/production/nope/end", end).Code)
}

func TestProduction_ExplicitUnitsAndStats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/production/start", `{"machine_id":5,"batch_id":"L-9"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/production/L-9/end", `{"units_produced":120,"stats":{"efficiency":87.5,"rate_per_hour":60}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p models.Production
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &p))
	assert.Equal(t, 120, p.UnitsProduced)
	assert.Equal(t, 87.5, *p.Efficiency)
	assert.Equal(t, 60.0, *p.RatePerHour)

	rec = env.do(http.MethodPost, "/api/production/start", `{"machine_id":5,"batch_id":"L-10","target_units":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProduction_OverlappingBatches(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/production/start", `{"machine_id":1,"batch_id":"A"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(1*time.Second), true, false, false, true))
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(2*time.Second), true, false, false, false))
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0.Add(3*time.Second), true, false, false, true))

	// A second batch cannot start while A is open
	rec = env.do(http.MethodPost, "/api/production/start", `{"machine_id":1,"batch_id":"B"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "open batch")

	// Other machines are unaffected
	rec = env.do(http.MethodPost, "/api/production/start", `{"machine_id":2,"batch_id":"C"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// A keeps its live counter
	rec = env.do(http.MethodPost, "/api/production/A/end", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p models.Production
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &p))
	assert.Equal(t, 2, p.UnitsProduced)

	rec = env.do(http.MethodPost, "/api/production/start", `{"machine_id":1,"batch_id":"B"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestProduction_DetachedBatchNeedsUnits(t *testing.T) {
	env := newTestEnv(t)

	// Opened in storage but unknown to the live counters, as after a restart
	_, err := env.store.StartProduction(context.Background(), models.Production{MachineID: 3, BatchID: "D", StartTime: t0})
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/api/production/D/end", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "units_produced is required")
	stored, err := env.store.GetProduction(context.Background(), "D")
	require.NoError(t, err)
	assert.Nil(t, stored.EndTime)

	rec = env.do(http.MethodPost, "/api/production/D/end", `{"units_produced":40}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p models.Production
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &p))
	assert.Equal(t, 40, p.UnitsProduced)
}

func TestLinksAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/api/machine-state", statePayload(1, t0, true, false, false, false))

	rec := env.do(http.MethodGet, "/api/links", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(decodeEnvelope(t, rec).Data))

	rec = env.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Reconciler reconciler.Stats `json:"reconciler"`
		Hub        hub.Stats        `json:"hub"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &stats))
	assert.Equal(t, 1, stats.Reconciler.Machines)
	assert.Equal(t, int64(1), stats.Reconciler.Reconciled)
	assert.Equal(t, int64(1), stats.Hub.Published)
}

func TestRestartLink(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	conn := testutil.NewScriptedConn()
	dialer := testutil.NewScriptedDialer(
		testutil.DialResult{Err: errors.New("connection refused")},
		testutil.DialResult{Err: errors.New("connection refused")},
		testutil.DialResult{Conn: conn},
	)
	opts := session.DefaultLinkOptions()
	opts.Clock = clock
	opts.Backoff.MaxAttempts = 1
	norm := parser.NewNormalizer(parser.NewRegistry(), parser.NewSignalMaps(nil), clock.Now)
	links := session.NewManager(dialer, norm, func(context.Context, models.SignalSnapshot) {}, opts)
	t.Cleanup(links.StopAll)

	env := newTestEnv(t, func(d *Dependencies) { d.Links = links })

	rec := env.do(http.MethodPost, "/api/machines", `{"id":4,"name":"Prensa","url":"ws://press-4.local:8765"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The only retry fails too, so the link gives up
	require.True(t, clock.BlockUntil(1, 2*time.Second))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		info, ok := links.GetLink(4)
		return ok && info.Status == models.LinkFailed
	}, 2*time.Second, 5*time.Millisecond)
	failed, _ := links.GetLink(4)

	rec = env.do(http.MethodPost, "/api/links/4/restart", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var info models.LinkInfo
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &info))
	assert.Equal(t, 4, info.MachineID)

	require.Eventually(t, func() bool {
		info, ok := links.GetLink(4)
		return ok && info.Status == models.LinkOpen
	}, 2*time.Second, 5*time.Millisecond)
	restarted, _ := links.GetLink(4)
	assert.NotEqual(t, failed.SessionID, restarted.SessionID)
	assert.Zero(t, restarted.ReconnectAttempt)
	assert.Equal(t, 3, dialer.Dials())

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/links/99/restart", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/links/abc/restart", "").Code)

	rec = env.do(http.MethodPost, "/api/machines", `{"id":5,"name":"Torno"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/links/5/restart", "").Code)
}

func TestRestartLink_NoLinks(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodPost, "/api/links/1/restart", "").Code)
}

func TestErrorHandler(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	ErrorHandler(NewNotFoundError("machine", "7"), e.NewContext(req, rec))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"success":false,"code":"NOT_FOUND","message":"machine not found: 7","error":"machine not found: 7"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	ErrorHandler(echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"), e.NewContext(req, rec))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	ErrorHandler(errors.New("boom"), e.NewContext(req, rec))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"boom"`)

	req = httptest.NewRequest(http.MethodHead, "/", nil)
	rec = httptest.NewRecorder()
	ErrorHandler(NewConflictError("x"), e.NewContext(req, rec))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, rec.Body.String())
}
