package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biodata-backend/internal/model"
)

func f64(v float64) *float64 { return &v }

func TestDoor_OpenCloseProducesOneCompletedEvent(t *testing.T) {
	e := newEnv(t)

	e.read("S1", model.DoorClosed, 4.0)
	e.clk.Advance(10 * time.Second)
	openedAt := e.clk.Now()
	e.read("S1", model.DoorOpen, 4.0)

	st := e.state("S1")
	assert.Equal(t, model.DoorOpen, st.Door)
	assert.NotEmpty(t, st.EventID)
	assert.Equal(t, openedAt, st.DoorOpenedAt)
	assert.False(t, st.AlertSent)

	e.clk.Advance(45 * time.Second)
	e.read("S1", model.DoorClosed, 5.5)

	events := e.store.eventsOf("S1")
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, model.EventCompleted, ev.Status)
	require.NotNil(t, ev.DurationSeconds)
	assert.InDelta(t, 45.0, *ev.DurationSeconds, 0.001)
	require.NotNil(t, ev.ClosedAt)
	assert.InDelta(t, 45.0, ev.ClosedAt.Sub(ev.OpenedAt).Seconds(), 0.001)
	require.NotNil(t, ev.TempOutDrop)
	assert.InDelta(t, 1.5, *ev.TempOutDrop, 0.001)
	require.NotNil(t, ev.TempInDrop)
	assert.InDelta(t, 0.0, *ev.TempInDrop, 0.001)
	assert.InDelta(t, 55.0, *ev.HumidityAfter, 0.001)

	st = e.state("S1")
	assert.Equal(t, model.DoorClosed, st.Door)
	assert.Empty(t, st.EventID)
	assert.True(t, st.DoorOpenedAt.IsZero())
}

func TestDoor_TransitionsWithoutMutation(t *testing.T) {
	e := newEnv(t)

	// The first reading only initializes the state, even when it says open.
	e.read("S1", model.DoorOpen, 4.0)
	assert.Empty(t, e.store.eventsOf("S1"))
	assert.Equal(t, model.DoorOpen, e.state("S1").Door)

	e.read("S1", model.DoorClosed, 4.0)
	e.read("S1", model.DoorClosed, 4.0)
	assert.Empty(t, e.store.eventsOf("S1"), "closed to closed is a no-op")

	e.read("S1", model.DoorOpen, 4.0)
	id := e.state("S1").EventID
	e.read("S1", model.DoorOpen, 4.0)
	e.read("S1", model.DoorNone, 4.0)
	st := e.state("S1")
	assert.Equal(t, model.DoorOpen, st.Door, "a reading without door status is a no-op")
	assert.Equal(t, id, st.EventID)

	events := e.store.eventsOf("S1")
	require.Len(t, events, 1)
	assert.Equal(t, model.EventInProgress, events[0].Status)
}

func TestDoor_FirstReadingWithoutDoorDefaultsToClosed(t *testing.T) {
	e := newEnv(t)

	e.read("S1", model.DoorNone, 4.0)
	assert.Equal(t, model.DoorClosed, e.state("S1").Door)

	e.read("S1", model.DoorOpen, 4.0)
	assert.Len(t, e.store.eventsOf("S1"), 1)
}

func TestDoor_RecoveryFinalizesEventClosedWhileAway(t *testing.T) {
	st := newMemStore()
	st.events["ev-1"] = &model.DoorEvent{
		ID:            "ev-1",
		Username:      "S1",
		OpenedAt:      t0.Add(-2 * time.Minute),
		TempOutBefore: f64(4.0),
		Status:        model.EventInProgress,
		Disconnections: []model.Disconnection{
			{DisconnectedAt: t0.Add(-time.Minute), Reason: model.ReasonWebsocketClose},
		},
	}
	e := newEnvWith(t, st, nil)

	e.read("S1", model.DoorClosed, 5.0)

	ev := st.events["ev-1"]
	assert.Equal(t, model.EventCompleted, ev.Status)
	require.NotNil(t, ev.DurationSeconds)
	assert.InDelta(t, 120.0, *ev.DurationSeconds, 0.001)
	assert.Equal(t, true, ev.Metadata["closed_on_reconnection"])
	require.NotNil(t, ev.Disconnections[0].ReconnectedAt)
	assert.InDelta(t, 60.0, ev.TotalDisconnectionTimeSeconds, 0.001)

	state := e.state("S1")
	assert.Equal(t, model.DoorClosed, state.Door)
	assert.Empty(t, state.EventID)
}

func TestDoor_RecoveryResumesOpenEvent(t *testing.T) {
	st := newMemStore()
	openedAt := t0.Add(-2 * time.Minute)
	st.events["ev-1"] = &model.DoorEvent{ID: "ev-1", Username: "S1", OpenedAt: openedAt, Status: model.EventInProgress}
	e := newEnvWith(t, st, nil)

	e.read("S1", model.DoorOpen, 4.0)

	state := e.state("S1")
	assert.Equal(t, "ev-1", state.EventID)
	assert.Equal(t, model.DoorOpen, state.Door)
	assert.True(t, state.DoorOpenedAt.Equal(openedAt))
	assert.True(t, state.AlertSent)

	// The door has been open longer than the alert delay already.
	sends := e.alerts.all()
	require.Len(t, sends, 1)
	assert.Equal(t, string(AlertDoor), sends[0].typ)
	assert.Equal(t, "120", sends[0].msg.Data["timeOpen"])

	e.clk.Advance(5 * time.Second)
	e.read("S1", model.DoorClosed, 4.0)
	assert.Equal(t, model.EventCompleted, st.events["ev-1"].Status)
}

func TestDoor_RecoveryIgnoresEventsOutsideWindow(t *testing.T) {
	st := newMemStore()
	st.events["ev-old"] = &model.DoorEvent{ID: "ev-old", Username: "S1", OpenedAt: t0.Add(-10 * time.Minute), Status: model.EventInProgress}
	e := newEnvWith(t, st, nil)

	e.read("S1", model.DoorOpen, 4.0)

	assert.Empty(t, e.state("S1").EventID)
	assert.Equal(t, model.EventInProgress, st.events["ev-old"].Status)
}

func TestDoor_DisconnectionHistory(t *testing.T) {
	e := newEnv(t)
	e.presence.set("S1", true)

	e.read("S1", model.DoorClosed, 4.0)
	e.read("S1", model.DoorOpen, 4.0)
	id := e.state("S1").EventID

	e.clk.Advance(10 * time.Second)
	e.presence.set("S1", false)
	e.hub.Disconnected(t.Context(), "S1", model.ReasonWebsocketClose)
	// A second notification for the same outage is ignored.
	e.hub.Disconnected(t.Context(), "S1", model.ReasonWebsocketClose)

	e.clk.Advance(30 * time.Second)
	e.presence.set("S1", true)
	e.hub.Connected(t.Context(), "S1")

	ev := e.store.events[id]
	require.Len(t, ev.Disconnections, 1)
	d := ev.Disconnections[0]
	assert.Equal(t, model.ReasonWebsocketClose, d.Reason)
	require.NotNil(t, d.ReconnectedAt)
	assert.InDelta(t, 30.0, *d.DurationSeconds, 0.001)
	assert.InDelta(t, 30.0, ev.TotalDisconnectionTimeSeconds, 0.001)

	// Door state survived the reconnection.
	assert.Equal(t, id, e.state("S1").EventID)
}

func TestDoor_DisconnectIgnoredWhileAnotherSessionIsOpen(t *testing.T) {
	e := newEnv(t)
	e.presence.set("S1", true)

	e.read("S1", model.DoorClosed, 4.0)
	e.read("S1", model.DoorOpen, 4.0)
	id := e.state("S1").EventID
	require.NotEmpty(t, id)

	e.hub.Disconnected(t.Context(), "S1", model.ReasonWebsocketClose)

	assert.Empty(t, e.store.events[id].Disconnections)
	_, ok := e.hub.Latest("S1")
	assert.True(t, ok, "latest reading is kept for an online sensor")
}
