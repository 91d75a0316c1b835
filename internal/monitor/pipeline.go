package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"biodata-backend/internal/model"
	"biodata-backend/internal/slot"
)

// LatestReading is the most recent raw reading of an identity.
type LatestReading struct {
	Raw        json.RawMessage `json:"reading"`
	Datetime   time.Time       `json:"datetime"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Ingest runs one validated reading through the slot writer, the door state
// machine, the temperature monitor and the alert dispatcher, then broadcasts
// raw to every session. Failures are logged and never stop the pipeline.
func (h *Hub) Ingest(ctx context.Context, raw []byte, r model.Reading) {
	now := h.clock.Now()
	h.metrics.Readings.WithLabelValues("accepted").Inc()
	h.remember(raw, r, now)

	s := h.acquire(r.Identity)
	h.writeSlots(ctx, s, r)
	h.stepDoor(ctx, s, r, now)
	h.stepTemperature(s, r, now)
	alert := h.dispatch(s, now)
	s.mu.Unlock()

	h.send(ctx, alert)
	h.broadcaster.Broadcast(raw)
}

// writeSlots persists r once per slot and grid. The last slot advances even
// when the write fails so a broken store is not retried on every reading.
func (h *Hub) writeSlots(ctx context.Context, s *sensor, r model.Reading) {
	for _, g := range slot.Grids {
		start := slot.Start(g, r.Time, h.cfg.SlotLocation)
		if last, ok := s.lastSlot[g]; ok && last.Equal(start) {
			continue
		}
		s.lastSlot[g] = start

		log := h.log.WithFields(logrus.Fields{"identity": s.identity, "grid": g, "slot": start})
		written, err := h.store.WriteSlotIfAbsent(ctx, g, model.NewSlotSample(r, start))
		switch {
		case err != nil:
			h.metrics.SlotWrites.WithLabelValues(string(g), "error").Inc()
			log.WithError(err).Error("Failed to write slot sample")
		case !written:
			h.metrics.SlotWrites.WithLabelValues(string(g), "duplicate").Inc()
			log.Debug("Slot already stored")
		default:
			h.metrics.SlotWrites.WithLabelValues(string(g), "written").Inc()
			log.Debug("Slot sample stored")
		}
	}
}

// remember updates the latest-reading cache when the reading's datetime
// changed.
func (h *Hub) remember(raw []byte, r model.Reading, now time.Time) {
	if prev, ok := h.latest.Get(r.Identity); ok && prev.(LatestReading).Datetime.Equal(r.Time) {
		return
	}
	h.latest.Set(r.Identity, LatestReading{
		Raw:        append(json.RawMessage(nil), raw...),
		Datetime:   r.Time,
		ReceivedAt: now,
	}, cache.DefaultExpiration)
}

// Latest returns the cached latest reading of identity.
func (h *Hub) Latest(identity string) (LatestReading, bool) {
	v, ok := h.latest.Get(identity)
	if !ok {
		return LatestReading{}, false
	}
	return v.(LatestReading), true
}
