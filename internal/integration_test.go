package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"biodata-backend/config"
	"biodata-backend/internal/api"
	"biodata-backend/internal/clock"
	"biodata-backend/internal/db"
	"biodata-backend/internal/metrics"
	"biodata-backend/internal/model"
	"biodata-backend/internal/monitor"
	"biodata-backend/internal/notification"
	"biodata-backend/internal/session"
	"biodata-backend/internal/store"
)

const observerToken = `{"endpoint":"https://push.example.com/obs","keys":{"p256dh":"BNcR","auth":"tBHI"}}`

// recordingGateway stands in for the push service.
type recordingGateway struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (g *recordingGateway) Send(_ context.Context, _ string, msg notification.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, msg)
	return fmt.Sprintf("msg-%d", len(g.messages)), nil
}

func (g *recordingGateway) titles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.messages))
	for i, m := range g.messages {
		out[i] = m.Title
	}
	return out
}

// TestDoorEventLifecycle drives a sensor through a door opening that lasts
// long enough to alert, then closes it, and checks what observers and the
// store see at each step.
func TestDoorEventLifecycle(t *testing.T) {
	// --- Test Setup ---
	gin.SetMode(gin.TestMode)

	// 1. Setup an in-memory SQLite database for testing.
	testDB, err := gorm.Open(sqlite.Open("file:lifecycle?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, _ := testDB.DB()
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(testDB))

	// 2. Wire the service the way main does, with a fake clock and push gateway.
	cfg := config.Default()
	log, _ := test.NewNullLogger()
	entry := log.WithField("Context", "integration")
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	m := metrics.New()
	st := store.NewGormStore(testDB)
	gateway := &recordingGateway{}

	tokens := notification.NewTokenRegistry(clk, cfg.Monitor.TokenMaxAge)
	notifier := notification.NewService(gateway, tokens, cfg.WorkerPool.Size, entry, m)
	sessions := session.NewRegistry(cfg.Monitor, clk, entry, m)
	hub := monitor.NewHub(cfg.Monitor, st, notifier, sessions, sessions, clk, entry, m)
	defer hub.Close()

	handler := api.NewHandler(api.Deps{
		Hub: hub, Sessions: sessions, Tokens: tokens, Store: st,
		Push: cfg.Push, Clock: clk, Log: entry, Metrics: m,
	}, nil)
	server := httptest.NewServer(api.NewRouter(cfg.Server, handler))
	defer server.Close()

	// 3. Register an observer's push token over HTTP.
	req, _ := http.NewRequest(http.MethodPut, server.URL+"/api/observers/token",
		strings.NewReader(fmt.Sprintf(`{"observerId":"observer_phone","token":%q}`, observerToken)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// 4. Connect an observer dashboard and a sensor.
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	observer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer observer.Close()
	require.NoError(t, observer.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	_, pong, err := observer.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(pong))

	sensor, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer sensor.Close()

	// send writes a reading and waits until the observer sees its broadcast,
	// which happens once the reading went through the whole pipeline.
	send := func(offset time.Duration, door string, temp float64) {
		t.Helper()
		frame := fmt.Sprintf(`{"username":"fridge-1","datetime":%q,"temperature":4.5,"humidity":50,"dsTemperature":%v,"doorStatus":%q}`,
			t0.Add(offset).Format(time.RFC3339), temp, door)
		require.NoError(t, sensor.WriteMessage(websocket.TextMessage, []byte(frame)))
		require.NoError(t, observer.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := observer.ReadMessage()
		require.NoError(t, err)
		require.JSONEq(t, frame, string(data))
	}

	// --- Test Execution ---

	// 5. The door starts closed, then opens.
	send(0, "closed", 3.0)
	clk.Advance(10 * time.Second)
	send(10*time.Second, "open", 3.0)

	events, err := st.ListEvents(context.Background(), "fridge-1", model.EventInProgress, 10)
	require.NoError(t, err)
	require.Len(t, events, 1, "opening the door creates an in_progress event")
	assert.Empty(t, gateway.titles())

	// 6. After the alert delay the next reading raises a door alert.
	clk.Advance(61 * time.Second)
	send(71*time.Second, "open", 5.5)
	assert.Equal(t, []string{"DOOR ALERT"}, gateway.titles())

	// 7. The repeat timer re-sends while the door stays open.
	clk.Advance(cfg.Monitor.AlertInterval)
	assert.Equal(t, []string{"DOOR ALERT", "DOOR ALERT"}, gateway.titles())

	// 8. Closing the door completes the event and stops the alerts.
	clk.Advance(9 * time.Second)
	send(100*time.Second, "closed", 5.0)
	clk.Advance(time.Minute)
	assert.Len(t, gateway.titles(), 2)

	// --- Assertions ---
	completed, err := st.ListEvents(context.Background(), "fridge-1", model.EventCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	ev := completed[0]
	assert.Equal(t, events[0].ID, ev.ID)
	require.NotNil(t, ev.DurationSeconds)
	assert.InDelta(t, 90.0, *ev.DurationSeconds, 0.001)
	require.NotNil(t, ev.TempOutDrop)
	assert.InDelta(t, 2.0, *ev.TempOutDrop, 0.001)

	state, ok := hub.State("fridge-1")
	require.True(t, ok)
	assert.Equal(t, model.DoorClosed, state.Door)
	assert.False(t, state.Alarming)
}
