package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"biodata-backend/internal/model"
)

// doorState is the door half of a sensor's state. The zero value means the
// identity has not been initialized since it was first seen or last swept.
type doorState struct {
	known     bool
	status    model.DoorStatus
	event     *activeEvent
	openedAt  time.Time
	alertSent bool
}

// activeEvent mirrors the in_progress DoorEvent being tracked.
type activeEvent struct {
	id             string
	openedAt       time.Time
	tempOutBefore  *float64
	tempInBefore   *float64
	humidityBefore *float64
}

func trackEvent(ev *model.DoorEvent) *activeEvent {
	return &activeEvent{
		id:             ev.ID,
		openedAt:       ev.OpenedAt,
		tempOutBefore:  ev.TempOutBefore,
		tempInBefore:   ev.TempInBefore,
		humidityBefore: ev.HumidityBefore,
	}
}

// stepDoor applies one reading to the door state machine.
func (h *Hub) stepDoor(ctx context.Context, s *sensor, r model.Reading, now time.Time) {
	if !s.door.known {
		h.initDoor(ctx, s, r, now)
		return
	}
	if !r.HasDoor() {
		return
	}

	switch prev := s.door.status; {
	case prev == model.DoorClosed && r.Door == model.DoorOpen:
		h.openDoor(ctx, s, r, now)
	case prev == model.DoorOpen && r.Door == model.DoorClosed:
		if s.door.event != nil {
			h.finalize(ctx, s.identity, s.door.event, r, nil)
		}
		s.door.event = nil
		s.door.openedAt = time.Time{}
		s.door.alertSent = false
		s.disconnectionOpen = false
	}
	s.door.status = r.Door
}

// initDoor sets up the door state on the first reading of an identity and
// recovers an in_progress event left by a previous connection.
func (h *Hub) initDoor(ctx context.Context, s *sensor, r model.Reading, now time.Time) {
	status := r.Door
	if status == model.DoorNone {
		status = model.DoorClosed
	}
	s.door = doorState{known: true, status: status}

	log := h.log.WithField("identity", s.identity)
	ev, err := h.store.FindActiveEvent(ctx, s.identity, now.Add(-h.cfg.RecoveryWindow))
	if err != nil {
		log.WithError(err).Error("Failed to look up active door event, starting fresh")
		return
	}
	if ev == nil {
		return
	}

	if ev.OpenDisconnection() >= 0 {
		if err := h.store.CloseDisconnection(ctx, ev.ID, now); err != nil {
			log.WithError(err).Error("Failed to close disconnection span")
		} else {
			h.eventChanged(s.identity)
		}
	}
	s.disconnectionOpen = false

	tracked := trackEvent(ev)
	if r.Door == model.DoorClosed {
		log.WithField("event", ev.ID).Info("Door closed while disconnected, finalizing recovered event")
		h.finalize(ctx, s.identity, tracked, r, map[string]any{"closed_on_reconnection": true})
		return
	}

	log.WithField("event", ev.ID).Info("Resuming door event after reconnection")
	s.door.status = model.DoorOpen
	s.door.event = tracked
	s.door.openedAt = ev.OpenedAt
	s.door.alertSent = true
}

func (h *Hub) openDoor(ctx context.Context, s *sensor, r model.Reading, now time.Time) {
	s.door.openedAt = now
	s.door.alertSent = false
	s.door.event = nil
	s.disconnectionOpen = false

	ev := &model.DoorEvent{
		Username:       s.identity,
		OpenedAt:       r.Time,
		TempOutBefore:  r.DSTemperature.Ptr(),
		TempInBefore:   r.Temperature.Ptr(),
		HumidityBefore: r.Humidity.Ptr(),
		Status:         model.EventInProgress,
	}
	id, err := h.store.CreateEvent(ctx, ev)
	if err != nil {
		// The door is still tracked in memory so alerts keep working.
		h.log.WithError(err).WithField("identity", s.identity).Error("Failed to create door event")
		return
	}
	s.door.event = trackEvent(ev)
	h.eventChanged(s.identity)
	h.metrics.DoorEvents.WithLabelValues(string(model.EventInProgress)).Inc()
	h.log.WithFields(logrus.Fields{"identity": s.identity, "event": id}).Info("Door opened")
}

// finalize completes ev with r as the after snapshot.
func (h *Hub) finalize(ctx context.Context, identity string, ev *activeEvent, r model.Reading, metadata map[string]any) {
	closedAt := r.Time.UTC()
	duration := closedAt.Sub(ev.openedAt).Seconds()
	outAfter := r.DSTemperature.Ptr()
	inAfter := r.Temperature.Ptr()

	fields := model.Fields{
		"closed_at":        closedAt,
		"temp_out_after":   outAfter,
		"temp_in_after":    inAfter,
		"humidity_after":   r.Humidity.Ptr(),
		"duration_seconds": duration,
		"temp_out_drop":    delta(outAfter, ev.tempOutBefore),
		"temp_in_drop":     delta(inAfter, ev.tempInBefore),
		"status":           model.EventCompleted,
	}
	if metadata != nil {
		fields["metadata"] = metadata
	}

	log := h.log.WithFields(logrus.Fields{"identity": identity, "event": ev.id})
	changed, err := h.store.UpdateEvent(ctx, ev.id, fields)
	if err != nil {
		log.WithError(err).Error("Failed to complete door event")
		return
	}
	if !changed {
		log.Warn("Door event was already finalized")
		return
	}
	h.eventChanged(identity)
	h.metrics.DoorEvents.WithLabelValues(string(model.EventCompleted)).Inc()
	log.WithField("duration_seconds", duration).Info("Door closed, event completed")
}

func delta(after, before *float64) *float64 {
	if after == nil || before == nil {
		return nil
	}
	d := *after - *before
	return &d
}
