package realtime

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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/smartaccess-core/internal/alert"
	"github.com/nerrad567/smartaccess-core/internal/audit"
	"github.com/nerrad567/smartaccess-core/internal/device"
	"github.com/nerrad567/smartaccess-core/internal/event"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/config"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/smartaccess-core/internal/outbox"
)

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 3*time.Second, 10*time.Millisecond)
}

func newHTTPServer(t *testing.T, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	if deps.Hub == nil {
		deps.Hub = NewHub(testWSConfig(), nil)
	}
	if deps.Config.Path == "" {
		deps.Config = testWSConfig()
	}
	s, err := NewServer(deps)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHubBroadcastReachesSubscribedClients(t *testing.T) {
	s, ts := newHTTPServer(t, Deps{})
	all := dial(t, ts, "?channels=*")
	connected := dial(t, ts, "?channels=DEVICE_CONNECTED")
	other := dial(t, ts, "?channels=TELEMETRY")
	waitForClients(t, s.hub, 3)

	s.hub.Broadcast("DEVICE_CONNECTED", map[string]any{"deviceUuid": "d-1"})

	for _, conn := range []*websocket.Conn{all, connected} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeEvent, msg.Type)
		assert.Equal(t, "DEVICE_CONNECTED", msg.EventType)
		payload, ok := msg.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "d-1", payload["deviceUuid"])
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "client subscribed elsewhere should receive nothing")
}

func TestHubSubscribeMessage(t *testing.T) {
	s, ts := newHTTPServer(t, Deps{})
	conn := dial(t, ts, "")
	waitForClients(t, s.hub, 1)

	require.NoError(t, conn.WriteJSON(Message{
		Type:    TypeSubscribe,
		ID:      "req-1",
		Payload: SubscribePayload{Channels: []string{"ALERT_TRIGGERED"}},
	}))
	resp := readMessage(t, conn)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "req-1", resp.ID)

	s.hub.Broadcast("ALERT_TRIGGERED", map[string]any{"severity": "HIGH"})
	msg := readMessage(t, conn)
	assert.Equal(t, "ALERT_TRIGGERED", msg.EventType)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing, ID: "p"}))
	assert.Equal(t, TypePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))
	assert.Equal(t, TypeError, readMessage(t, conn).Type)
}

func TestHubRunClosesClients(t *testing.T) {
	hub := NewHub(testWSConfig(), nil)
	_, ts := newHTTPServer(t, Deps{Hub: hub})
	dial(t, ts, "?channels=*")
	waitForClients(t, hub, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, hub.ClientCount())
}

type checker struct{ err error }

func (c checker) HealthCheck(context.Context) error { return c.err }

func TestHealthz(t *testing.T) {
	_, ts := newHTTPServer(t, Deps{
		Version: "test",
		Checks:  map[string]HealthChecker{"database": checker{}},
	})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestHealthzDegraded(t *testing.T) {
	_, ts := newHTTPServer(t, Deps{
		Checks: map[string]HealthChecker{
			"database": checker{},
			"mqtt":     checker{err: errors.New("not connected")},
		},
	})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "not connected", body.Checks["mqtt"])
	assert.Equal(t, "ok", body.Checks["database"])
}

func seedDevice(t *testing.T, db *database.DB) *device.Device {
	t.Helper()
	repo := device.NewSQLRepository()
	dev := &device.Device{DeviceUUID: "door-1", Name: "Front door", Location: "Lobby", Status: device.StatusOnline}
	require.NoError(t, repo.Create(context.Background(), db, dev))
	require.NoError(t, repo.RecordTransition(context.Background(), db, &device.StatusHistoryEntry{
		DeviceID:   dev.ID,
		FromStatus: device.StatusRegistered,
		ToStatus:   device.StatusOnline,
		Reason:     "DEVICE_CONNECTED",
	}))
	return dev
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestDeviceRoutes(t *testing.T) {
	db := dbtest.Open(t)
	seedDevice(t, db)
	_, ts := newHTTPServer(t, Deps{DB: db, Devices: device.NewSQLRepository()})

	var list struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/devices", &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "door-1", list.Devices[0].DeviceUUID)

	var dev device.Device
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/devices/door-1", &dev))
	assert.Equal(t, device.StatusOnline, dev.Status)

	var history struct {
		History []device.StatusHistoryEntry `json:"history"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/devices/door-1/history", &history))
	require.Len(t, history.History, 1)
	assert.Equal(t, device.StatusOnline, history.History[0].ToStatus)

	var apiErr Error
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/devices/missing", &apiErr))
	assert.Equal(t, ErrCodeNotFound, apiErr.Code)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/devices/door-1/history?limit=x", &apiErr))
}

func TestAuditRoute(t *testing.T) {
	db := dbtest.Open(t)
	repo := audit.NewSQLRepository()
	require.NoError(t, repo.Create(context.Background(), db, &audit.Entry{
		EventType:     audit.EventProcessed,
		Category:      audit.CategoryDomain,
		AggregateType: "event",
		AggregateID:   "evt-1",
		CorrelationID: "key-1",
		Result:        audit.ResultSuccess,
	}))
	_, ts := newHTTPServer(t, Deps{DB: db, Audit: repo})

	var body struct {
		Entries []audit.Entry `json:"entries"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/audit?correlation_id=key-1", &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, audit.EventProcessed, body.Entries[0].EventType)

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/audit?correlation_id=other", &body))
	assert.Empty(t, body.Entries)
}

func TestEventListRoute(t *testing.T) {
	db := dbtest.Open(t)
	dev := seedDevice(t, db)
	events := event.NewSQLRepository()
	for i, status := range []event.ProcessingStatus{event.StatusRetryPending, event.StatusProcessed, event.StatusRetryPending} {
		require.NoError(t, events.Create(context.Background(), db, &event.DomainEvent{
			EventUUID:        fmt.Sprintf("evt-%d", i),
			IdempotencyKey:   fmt.Sprintf("key-%d", i),
			DeviceID:         dev.ID,
			EventType:        event.TypeTelemetry,
			ProcessingStatus: status,
		}))
	}
	_, ts := newHTTPServer(t, Deps{DB: db, Events: events})

	var body struct {
		Events []event.DomainEvent `json:"events"`
		Count  int                 `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/events?status=RETRY_PENDING", &body))
	assert.Equal(t, 2, body.Count)
	for _, evt := range body.Events {
		assert.Equal(t, event.StatusRetryPending, evt.ProcessingStatus)
	}

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/events?status=RETRY_PENDING&limit=1", &body))
	assert.Equal(t, 1, body.Count)

	var apiErr Error
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/events", &apiErr))
	assert.Equal(t, ErrCodeBadRequest, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/events?status=BOGUS", &apiErr))
}

func TestDeviceAlertsRoute(t *testing.T) {
	db := dbtest.Open(t)
	dev := seedDevice(t, db)
	sink := alert.NewSQLSink(time.Minute)
	created, err := sink.CreateAlert(context.Background(), db, &alert.Alert{
		DeviceID: dev.ID,
		EventID:  "evt-1",
		Severity: alert.SeverityHigh,
		Metric:   "temperature",
		Message:  "too hot",
	})
	require.NoError(t, err)
	require.True(t, created)

	_, ts := newHTTPServer(t, Deps{DB: db, Devices: device.NewSQLRepository(), Alerts: sink})

	var body struct {
		Alerts []alert.Alert `json:"alerts"`
		Count  int           `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/devices/door-1/alerts", &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "temperature", body.Alerts[0].Metric)

	var apiErr Error
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/devices/missing/alerts", &apiErr))
}

func TestHealthzReportsOutboxBacklog(t *testing.T) {
	db := dbtest.Open(t)
	repo := outbox.NewSQLRepository()
	for range 3 {
		_, err := repo.Append(context.Background(), db, outbox.AggregateDevice, "dev-1", outbox.EventDeviceRegistered, map[string]any{})
		require.NoError(t, err)
	}
	_, ts := newHTTPServer(t, Deps{DB: db, Outbox: repo})

	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &body))
	assert.EqualValues(t, 3, body["outboxBacklog"])
}

func TestNewServerRequiresHub(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)

	_, err = NewServer(Deps{Hub: NewHub(testWSConfig(), nil), Devices: device.NewSQLRepository()})
	assert.Error(t, err, "inspection routes need a db")
}

func TestStartClose(t *testing.T) {
	cfg := testWSConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	s, err := NewServer(Deps{Config: cfg, Hub: NewHub(cfg, nil)})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Close())
}
