package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"biodata-backend/internal/model"
	"biodata-backend/internal/notification"
)

// SweepOrphans marks in_progress door events incomplete once their identity
// has been disconnected for longer than the recovery window, and drops the
// state of identities that stayed offline. It returns the number of events
// marked.
func (h *Hub) SweepOrphans(ctx context.Context) int {
	events, err := h.store.ListInProgressEvents(ctx)
	if err != nil {
		h.log.WithError(err).Error("Failed to list in-progress door events")
		events = nil
	}

	marked := 0
	for i := range events {
		if h.sweepEvent(ctx, &events[i]) {
			marked++
		}
	}
	h.sweepIdle()
	return marked
}

func (h *Hub) sweepEvent(ctx context.Context, ev *model.DoorEvent) bool {
	now := h.clock.Now()
	online := h.presence.Online(ev.Username)

	s := h.lookup(ev.Username)
	if s != nil {
		defer s.mu.Unlock()
	}
	tracked := s != nil && s.door.event != nil && s.door.event.id == ev.ID

	var since time.Time
	var reason string
	switch {
	case online && tracked:
		return false
	case online:
		// The identity is back but never picked this event up again.
		if s == nil || !s.door.known || now.Sub(ev.OpenedAt) <= h.cfg.RecoveryWindow {
			return false
		}
		since, reason = ev.OpenedAt, model.ReasonUnknown
	default:
		since, reason = disconnectedSince(ev, s)
		if now.Sub(since) <= h.cfg.RecoveryWindow {
			return false
		}
	}

	log := h.log.WithFields(logrus.Fields{"identity": ev.Username, "event": ev.ID})
	changed, err := h.store.UpdateEvent(ctx, ev.ID, model.Fields{
		"status":           model.EventIncomplete,
		"closed_at":        now.UTC(),
		"duration_seconds": now.Sub(ev.OpenedAt).Seconds(),
		"metadata": map[string]any{
			"disconnected_at":       since.UTC(),
			"disconnection_seconds": now.Sub(since).Seconds(),
			"reason":                reason,
			"marked_incomplete_at":  now.UTC(),
		},
	})
	if err != nil {
		log.WithError(err).Error("Failed to mark door event incomplete")
		return false
	}

	if tracked {
		// Clearing the condition lets the repeat timer stop on its next tick.
		s.door = doorState{}
		s.temp = nil
		s.disconnectionOpen = false
	}
	if !changed {
		return false
	}
	h.eventChanged(ev.Username)
	h.metrics.DoorEvents.WithLabelValues(string(model.EventIncomplete)).Inc()
	log.WithField("reason", reason).Warn("Door event marked incomplete")
	return true
}

// disconnectedSince returns when the identity of ev went away and why. The
// last open disconnection span wins; without one the event's opening time is
// the best estimate.
func disconnectedSince(ev *model.DoorEvent, s *sensor) (time.Time, string) {
	if i := ev.OpenDisconnection(); i >= 0 {
		d := ev.Disconnections[i]
		reason := d.Reason
		if reason == "" {
			reason = model.ReasonUnknown
		}
		return d.DisconnectedAt, reason
	}
	if s != nil && !s.offlineSince.IsZero() {
		return s.offlineSince, model.ReasonUnknown
	}
	return ev.OpenedAt, model.ReasonEstimatedFromInactivity
}

// sweepIdle clears the conditions of identities offline for longer than the
// recovery window and forgets them once no timer is left. h.mu is only taken
// to drop the map entry.
func (h *Hub) sweepIdle() {
	now := h.clock.Now()
	for _, s := range h.snapshot() {
		s.mu.Lock()
		if s.removed || s.offlineSince.IsZero() {
			s.mu.Unlock()
			continue
		}
		if h.presence.Online(s.identity) {
			s.offlineSince = time.Time{}
			s.mu.Unlock()
			continue
		}
		if now.Sub(s.offlineSince) <= h.cfg.RecoveryWindow {
			s.mu.Unlock()
			continue
		}

		s.temp = nil
		if s.door.event == nil {
			s.door = doorState{}
		}
		if s.door.event == nil && s.alarm.timer == nil {
			s.removed = true
			h.mu.Lock()
			if h.sensors[s.identity] == s {
				delete(h.sensors, s.identity)
			}
			h.mu.Unlock()
			h.log.WithField("identity", s.identity).Info("Forgot inactive sensor")
		}
		s.mu.Unlock()
	}
}

// Sweeper runs the periodic maintenance tasks of the engine.
type Sweeper struct {
	hub         *Hub
	tokens      *notification.TokenRegistry
	sweepEvery  time.Duration
	tokensEvery time.Duration
	log         *logrus.Entry
}

// NewSweeper creates a sweeper for hub and tokens.
func NewSweeper(hub *Hub, tokens *notification.TokenRegistry, log *logrus.Entry) *Sweeper {
	return &Sweeper{
		hub:         hub,
		tokens:      tokens,
		sweepEvery:  hub.cfg.SweepInterval,
		tokensEvery: hub.cfg.TokenSweep,
		log:         log,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("Starting sweeper...")

	orphans := time.NewTicker(s.sweepEvery)
	defer orphans.Stop()
	tokens := time.NewTicker(s.tokensEvery)
	defer tokens.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sweeper shutting down.")
			return
		case <-orphans.C:
			if n := s.hub.SweepOrphans(ctx); n > 0 {
				s.log.WithField("marked", n).Info("Orphan sweep finished")
			}
		case <-tokens.C:
			if n := s.tokens.EvictExpired(); n > 0 {
				s.log.WithField("evicted", n).Info("Expired observer tokens evicted")
			}
		}
	}
}
