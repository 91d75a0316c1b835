package monitor

import (
	"time"

	"biodata-backend/internal/model"
)

// ExcursionClass tells on which side of the safe band a reading lies.
type ExcursionClass string

const (
	ClassLow  ExcursionClass = "low"
	ClassHigh ExcursionClass = "high"
)

// classify returns the excursion class of v, or false when v is inside the
// inclusive band [lo, hi].
func classify(v, lo, hi float64) (ExcursionClass, bool) {
	switch {
	case v < lo:
		return ClassLow, true
	case v > hi:
		return ClassHigh, true
	default:
		return "", false
	}
}

// stepTemperature tracks the excursion of the precision probe. The start time
// survives low/high flips; it resets only once a reading is back in band.
func (h *Hub) stepTemperature(s *sensor, r model.Reading, now time.Time) {
	s.lastProbe = r.DSTemperature

	v, ok := r.DSTemperature.Get()
	if !ok {
		// No probe value means the sensor is offline, not back to normal.
		s.temp = nil
		return
	}

	class, out := classify(v, h.cfg.SafeMin, h.cfg.SafeMax)
	switch {
	case !out:
		if s.temp != nil {
			h.log.WithField("identity", s.identity).WithField("value", v).Info("Temperature back in range")
		}
		s.temp = nil
	case s.temp == nil:
		s.temp = &Excursion{Start: now, Value: v, Class: class}
		h.log.WithField("identity", s.identity).WithField("value", v).Warn("Temperature excursion started")
	default:
		s.temp.Value = v
		s.temp.Class = class
	}
}
