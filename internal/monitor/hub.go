// Package monitor is the real-time engine: it owns the per-sensor door,
// temperature and alert state and drives it from inbound readings and
// periodic sweeps.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"biodata-backend/config"
	"biodata-backend/internal/clock"
	"biodata-backend/internal/metrics"
	"biodata-backend/internal/model"
	"biodata-backend/internal/notification"
	"biodata-backend/internal/slot"
	"biodata-backend/internal/store"
)

// Notifier fans an alert out to every observer.
type Notifier interface {
	Notify(ctx context.Context, alertType string, msg notification.Message) notification.Result
}

// Presence reports whether an identity has at least one open session.
type Presence interface {
	Online(identity string) bool
}

// Broadcaster sends a payload to every open session.
type Broadcaster interface {
	Broadcast(payload []byte)
}

const sendTimeout = 30 * time.Second

// sensor is the single owner of one identity's in-memory state. Every field
// is guarded by mu.
type sensor struct {
	mu       sync.Mutex
	identity string
	removed  bool

	door      doorState
	temp      *Excursion
	lastProbe model.Measurement
	lastSlot  map[slot.Grid]time.Time
	alarm     alarmState

	offlineSince      time.Time
	disconnectionOpen bool
}

// Hub holds one sensor owner per identity.
type Hub struct {
	mu      sync.Mutex
	sensors map[string]*sensor

	cfg         config.MonitorConfig
	store       store.Store
	notifier    Notifier
	presence    Presence
	broadcaster Broadcaster
	clock       clock.Clock
	latest      *cache.Cache
	log         *logrus.Entry
	metrics     *metrics.Metrics

	onEvent atomic.Pointer[func(identity string)]
}

// NewHub creates the engine. cfg must have its defaults applied.
func NewHub(cfg config.MonitorConfig, st store.Store, notifier Notifier, presence Presence, broadcaster Broadcaster, clk clock.Clock, log *logrus.Entry, m *metrics.Metrics) *Hub {
	return &Hub{
		sensors:     make(map[string]*sensor),
		cfg:         cfg,
		store:       st,
		notifier:    notifier,
		presence:    presence,
		broadcaster: broadcaster,
		clock:       clk,
		latest:      cache.New(cfg.LatestReadingTTL, 2*cfg.LatestReadingTTL),
		log:         log,
		metrics:     m,
	}
}

// acquire returns the locked owner of identity, creating it if needed.
func (h *Hub) acquire(identity string) *sensor {
	for {
		h.mu.Lock()
		s, ok := h.sensors[identity]
		if !ok {
			s = &sensor{identity: identity, lastSlot: make(map[slot.Grid]time.Time)}
			h.sensors[identity] = s
		}
		h.mu.Unlock()

		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

// lookup returns the locked owner of identity, or nil when it has none.
func (h *Hub) lookup(identity string) *sensor {
	h.mu.Lock()
	s, ok := h.sensors[identity]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return nil
	}
	return s
}

func (h *Hub) snapshot() []*sensor {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*sensor, 0, len(h.sensors))
	for _, s := range h.sensors {
		out = append(out, s)
	}
	return out
}

// Connected records that identity has an open session again and closes the
// disconnection span of its active door event.
func (h *Hub) Connected(ctx context.Context, identity string) {
	s := h.lookup(identity)
	if s == nil {
		return
	}
	defer s.mu.Unlock()

	now := h.clock.Now()
	s.offlineSince = time.Time{}
	if s.door.event == nil || !s.disconnectionOpen {
		return
	}
	if err := h.store.CloseDisconnection(ctx, s.door.event.id, now); err != nil {
		h.log.WithError(err).WithField("identity", identity).Error("Failed to close disconnection span")
		return
	}
	s.disconnectionOpen = false
	h.eventChanged(identity)
	h.log.WithField("identity", identity).Info("Sensor reconnected with an active door event")
}

// Disconnected records that the last session of identity closed. Door and
// alert state are kept so a brief reconnection resumes them.
func (h *Hub) Disconnected(ctx context.Context, identity, reason string) {
	s := h.lookup(identity)
	if s == nil {
		h.latest.Delete(identity)
		return
	}
	defer s.mu.Unlock()

	// A new session may have registered since the last one closed. Connected
	// runs under this lock after registration, so presence is decisive here.
	if h.presence.Online(identity) {
		return
	}
	h.latest.Delete(identity)

	now := h.clock.Now()
	s.offlineSince = now
	if s.door.event == nil || s.disconnectionOpen {
		return
	}
	err := h.store.AppendDisconnection(ctx, s.door.event.id, model.Disconnection{
		DisconnectedAt: now.UTC(),
		Reason:         reason,
	})
	if err != nil {
		h.log.WithError(err).WithField("identity", identity).Error("Failed to record disconnection")
		return
	}
	s.disconnectionOpen = true
	h.eventChanged(identity)
}

// Excursion describes an active temperature excursion.
type Excursion struct {
	Start time.Time
	Value float64
	Class ExcursionClass
}

// State is a copy of an identity's in-memory state.
type State struct {
	Door         model.DoorStatus
	EventID      string
	DoorOpenedAt time.Time
	AlertSent    bool
	Excursion    *Excursion
	Alarming     bool
	LastSlots    map[slot.Grid]time.Time
}

// State returns a copy of identity's state.
func (h *Hub) State(identity string) (State, bool) {
	s := h.lookup(identity)
	if s == nil {
		return State{}, false
	}
	defer s.mu.Unlock()

	st := State{
		Door:         s.door.status,
		DoorOpenedAt: s.door.openedAt,
		AlertSent:    s.door.alertSent,
		Alarming:     s.alarm.timer != nil,
		LastSlots:    make(map[slot.Grid]time.Time, len(s.lastSlot)),
	}
	if s.door.event != nil {
		st.EventID = s.door.event.id
	}
	if s.temp != nil {
		e := *s.temp
		st.Excursion = &e
	}
	for g, t := range s.lastSlot {
		st.LastSlots[g] = t
	}
	return st, true
}

// Len returns the number of identities with in-memory state.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sensors)
}

// Close cancels every alert repeat timer.
func (h *Hub) Close() {
	for _, s := range h.snapshot() {
		s.mu.Lock()
		h.cancelAlarm(s)
		s.mu.Unlock()
	}
}

// OnEventChange registers f to be called with the identity whenever one of
// its stored door events changes. f must not call back into the hub.
func (h *Hub) OnEventChange(f func(identity string)) {
	h.onEvent.Store(&f)
}

func (h *Hub) eventChanged(identity string) {
	if f := h.onEvent.Load(); f != nil {
		(*f)(identity)
	}
}
