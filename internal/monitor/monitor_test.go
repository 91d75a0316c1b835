package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"biodata-backend/config"
	"biodata-backend/internal/clock"
	"biodata-backend/internal/metrics"
	"biodata-backend/internal/model"
	"biodata-backend/internal/notification"
	"biodata-backend/internal/slot"
)

// memStore is an in-memory store.Store.
type memStore struct {
	mu     sync.Mutex
	events map[string]*model.DoorEvent
	slots  map[slot.Grid]map[string]model.SlotSample
	writes map[slot.Grid]int
	fail   error
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]*model.DoorEvent),
		slots:  make(map[slot.Grid]map[string]model.SlotSample),
		writes: make(map[slot.Grid]int),
	}
}

func (m *memStore) FindActiveEvent(_ context.Context, identity string, since time.Time) (*model.DoorEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var found *model.DoorEvent
	for _, ev := range m.events {
		if ev.Username != identity || ev.Status != model.EventInProgress || ev.OpenedAt.Before(since) {
			continue
		}
		if found == nil || ev.OpenedAt.After(found.OpenedAt) {
			found = ev
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	cp.Disconnections = append([]model.Disconnection(nil), found.Disconnections...)
	return &cp, nil
}

func (m *memStore) CreateEvent(_ context.Context, event *model.DoorEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = model.EventInProgress
	}
	cp := *event
	m.events[event.ID] = &cp
	return event.ID, nil
}

func (m *memStore) UpdateEvent(_ context.Context, id string, fields model.Fields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	ev, ok := m.events[id]
	if !ok || ev.Status != model.EventInProgress {
		return false, nil
	}
	for column, v := range fields {
		switch column {
		case "status":
			ev.Status = v.(model.EventStatus)
		case "closed_at":
			t := v.(time.Time)
			ev.ClosedAt = &t
		case "duration_seconds":
			d := v.(float64)
			ev.DurationSeconds = &d
		case "temp_out_after":
			ev.TempOutAfter = v.(*float64)
		case "temp_in_after":
			ev.TempInAfter = v.(*float64)
		case "humidity_after":
			ev.HumidityAfter = v.(*float64)
		case "temp_out_drop":
			ev.TempOutDrop = v.(*float64)
		case "temp_in_drop":
			ev.TempInDrop = v.(*float64)
		case "metadata":
			ev.Metadata = v.(map[string]any)
		}
	}
	return true, nil
}

func (m *memStore) AppendDisconnection(_ context.Context, id string, d model.Disconnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if ev, ok := m.events[id]; ok {
		ev.Disconnections = append(ev.Disconnections, d)
	}
	return nil
}

func (m *memStore) CloseDisconnection(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	ev, ok := m.events[id]
	if !ok {
		return nil
	}
	if i := ev.OpenDisconnection(); i >= 0 {
		d := at.Sub(ev.Disconnections[i].DisconnectedAt).Seconds()
		ev.Disconnections[i].ReconnectedAt = &at
		ev.Disconnections[i].DurationSeconds = &d
		ev.TotalDisconnectionTimeSeconds += d
	}
	return nil
}

func (m *memStore) ListInProgressEvents(context.Context) ([]model.DoorEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []model.DoorEvent
	for _, ev := range m.events {
		if ev.Status == model.EventInProgress {
			cp := *ev
			cp.Disconnections = append([]model.Disconnection(nil), ev.Disconnections...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *memStore) ListEvents(_ context.Context, identity string, status model.EventStatus, _ int) ([]model.DoorEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DoorEvent
	for _, ev := range m.events {
		if ev.Username == identity && (status == "" || ev.Status == status) {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *memStore) WriteSlotIfAbsent(_ context.Context, grid slot.Grid, sample model.SlotSample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	if m.slots[grid] == nil {
		m.slots[grid] = make(map[string]model.SlotSample)
	}
	key := sample.Username + "|" + sample.TimeSlot.UTC().Format(time.RFC3339)
	if _, ok := m.slots[grid][key]; ok {
		return false, nil
	}
	m.slots[grid][key] = sample
	m.writes[grid]++
	return true, nil
}

func (m *memStore) eventsOf(identity string) []model.DoorEvent {
	events, _ := m.ListEvents(context.Background(), identity, "", 0)
	return events
}

func (m *memStore) writeCount(g slot.Grid) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[g]
}

type sentAlert struct {
	typ string
	at  time.Time
	msg notification.Message
}

// recorder is a Notifier that records every alert.
type recorder struct {
	mu    sync.Mutex
	clk   clock.Clock
	sends []sentAlert
}

func (r *recorder) Notify(_ context.Context, alertType string, msg notification.Message) notification.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sentAlert{typ: alertType, at: r.clk.Now(), msg: msg})
	return notification.Result{Sent: 1}
}

func (r *recorder) all() []sentAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentAlert(nil), r.sends...)
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) Online(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[identity]
}

func (p *fakePresence) set(identity string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[identity] = online
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *fakeBroadcaster) Broadcast(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	t         *testing.T
	hub       *Hub
	store     *memStore
	alerts    *recorder
	presence  *fakePresence
	broadcast *fakeBroadcaster
	clk       *clock.Fake
	metrics   *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	return newEnvWith(t, newMemStore(), nil)
}

// newEnvWith builds a hub on st. A nil notifier records alerts.
func newEnvWith(t *testing.T, st *memStore, notifier Notifier) *env {
	clk := clock.NewFake(t0)
	logger, _ := test.NewNullLogger()
	e := &env{
		t:         t,
		store:     st,
		alerts:    &recorder{clk: clk},
		presence:  &fakePresence{online: map[string]bool{}},
		broadcast: &fakeBroadcaster{},
		clk:       clk,
		metrics:   metrics.New(),
	}
	if notifier == nil {
		notifier = e.alerts
	}
	cfg := config.Default().Monitor
	e.hub = NewHub(cfg, st, notifier, e.presence, e.broadcast, clk, logger.WithField("Context", "test"), e.metrics)
	t.Cleanup(e.hub.Close)
	return e
}

// read sends a reading stamped with the current fake time. temp may be nil
// for a reading without dsTemperature.
func (e *env) read(identity string, door model.DoorStatus, temp any) {
	e.t.Helper()
	msg := map[string]any{
		"username":    identity,
		"datetime":    e.clk.Now().UTC().Format(time.RFC3339Nano),
		"temperature": 20.5,
		"humidity":    55,
	}
	if temp != nil {
		msg["dsTemperature"] = temp
	}
	if door != model.DoorNone {
		msg["doorStatus"] = string(door)
	}
	raw, err := json.Marshal(msg)
	require.NoError(e.t, err)

	parsed, err := model.ParseMessage(raw)
	require.NoError(e.t, err)
	r, err := parsed.Reading()
	require.NoError(e.t, err)
	e.hub.Ingest(context.Background(), raw, r)
}

func (e *env) state(identity string) State {
	e.t.Helper()
	st, ok := e.hub.State(identity)
	require.True(e.t, ok, "no state for %s", identity)
	return st
}
