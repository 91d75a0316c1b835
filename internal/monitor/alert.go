package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"biodata-backend/internal/clock"
	"biodata-backend/internal/model"
	"biodata-backend/internal/notification"
)

// AlertType is the kind of alert sent to observers.
type AlertType string

const (
	AlertCritical AlertType = "critical"
	AlertDoor     AlertType = "door"
	AlertTempLow  AlertType = "temp_low"
	AlertTempHigh AlertType = "temp_high"
)

// alarmState holds the repeat timer of one identity. gen is bumped whenever
// the timer is replaced or cancelled so a callback already in flight can tell
// it is stale.
type alarmState struct {
	timer clock.Timer
	gen   uint64
}

// pendingAlert is an alert built under the sensor lock and sent after it is
// released.
type pendingAlert struct {
	identity string
	typ      AlertType
	msg      notification.Message
}

// evaluate applies the alarm combinators to the current state.
func (h *Hub) evaluate(s *sensor, now time.Time) (AlertType, bool) {
	doorAlarm := s.door.status == model.DoorOpen &&
		!s.door.openedAt.IsZero() &&
		now.Sub(s.door.openedAt) > h.cfg.AlertDelay
	tempAlarm := s.temp != nil && now.Sub(s.temp.Start) > h.cfg.AlertDelay

	switch {
	case doorAlarm && tempAlarm:
		return AlertCritical, true
	case doorAlarm:
		return AlertDoor, true
	case tempAlarm && s.temp.Class == ClassLow:
		return AlertTempLow, true
	case tempAlarm:
		return AlertTempHigh, true
	default:
		return "", false
	}
}

// dispatch reacts to the state after a reading. On a rising edge it starts
// the repeat timer and returns the alert to send now.
func (h *Hub) dispatch(s *sensor, now time.Time) *pendingAlert {
	typ, should := h.evaluate(s, now)
	switch {
	case should && s.alarm.timer == nil:
		h.log.WithFields(logrus.Fields{"identity": s.identity, "alertType": typ}).Warn("Alert condition raised")
		h.metrics.ActiveAlarms.Inc()
		h.schedule(s)
		return h.buildAlert(s, typ, now)
	case !should && s.alarm.timer != nil:
		h.log.WithField("identity", s.identity).Info("Alert condition cleared")
		h.cancelAlarm(s)
	}
	return nil
}

func (h *Hub) schedule(s *sensor) {
	s.alarm.gen++
	gen := s.alarm.gen
	s.alarm.timer = h.clock.AfterFunc(h.cfg.AlertInterval, func() {
		h.repeat(s, gen)
	})
}

func (h *Hub) cancelAlarm(s *sensor) {
	if s.alarm.timer == nil {
		return
	}
	s.alarm.timer.Stop()
	s.alarm.timer = nil
	s.alarm.gen++
	h.metrics.ActiveAlarms.Dec()
}

// repeat is the timer callback. It reads the state current at fire time.
func (h *Hub) repeat(s *sensor, gen uint64) {
	s.mu.Lock()
	if s.removed || s.alarm.gen != gen || s.alarm.timer == nil {
		s.mu.Unlock()
		return
	}

	now := h.clock.Now()
	typ, should := h.evaluate(s, now)
	if !should {
		// The timer already fired; only the bookkeeping remains.
		s.alarm.timer = nil
		s.alarm.gen++
		h.metrics.ActiveAlarms.Dec()
		h.log.WithField("identity", s.identity).Info("Alert condition cleared")
		s.mu.Unlock()
		return
	}
	h.schedule(s)
	alert := h.buildAlert(s, typ, now)
	s.mu.Unlock()

	h.send(context.Background(), alert)
}

// buildAlert renders the notification for typ and records a door alert.
func (h *Hub) buildAlert(s *sensor, typ AlertType, now time.Time) *pendingAlert {
	data := map[string]string{
		"type":      alertDataType(typ),
		"username":  s.identity,
		"alertType": string(typ),
		"timestamp": now.UTC().Format(time.RFC3339),
	}

	probe := "n/a"
	if v, ok := s.lastProbe.Get(); ok {
		probe = strconv.FormatFloat(v, 'f', 1, 64)
		data["temperature"] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	var open time.Duration
	if s.door.status == model.DoorOpen && !s.door.openedAt.IsZero() {
		open = now.Sub(s.door.openedAt)
		data["timeOpen"] = strconv.FormatInt(int64(open/time.Second), 10)
	}

	var msg notification.Message
	switch typ {
	case AlertCritical:
		msg.Title = "CRITICAL ALERT"
		msg.Body = fmt.Sprintf("%s: door open for %s and temperature out of range (%s°C)", s.identity, open.Truncate(time.Second), probe)
	case AlertDoor:
		msg.Title = "DOOR ALERT"
		msg.Body = fmt.Sprintf("%s: door has been open for %s", s.identity, open.Truncate(time.Second))
	case AlertTempLow:
		msg.Title = "TEMPERATURE ALERT"
		msg.Body = fmt.Sprintf("%s: temperature %s°C below %.1f°C", s.identity, probe, h.cfg.SafeMin)
	case AlertTempHigh:
		msg.Title = "TEMPERATURE ALERT"
		msg.Body = fmt.Sprintf("%s: temperature %s°C above %.1f°C", s.identity, probe, h.cfg.SafeMax)
	}
	msg.Data = data

	if typ == AlertCritical || typ == AlertDoor {
		s.door.alertSent = true
	}
	return &pendingAlert{identity: s.identity, typ: typ, msg: msg}
}

func alertDataType(typ AlertType) string {
	switch typ {
	case AlertCritical:
		return "critical_alert"
	case AlertDoor:
		return "door_alert"
	default:
		return "temperature_alert"
	}
}

// send delivers an alert. It must not be called with a sensor lock held.
func (h *Hub) send(ctx context.Context, alert *pendingAlert) {
	if alert == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	res := h.notifier.Notify(ctx, string(alert.typ), alert.msg)
	h.log.WithFields(logrus.Fields{
		"identity":  alert.identity,
		"alertType": alert.typ,
		"sent":      res.Sent,
		"failed":    res.Failed,
		"evicted":   res.Evicted,
	}).Info("Alert dispatched")
}
