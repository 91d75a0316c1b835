package api

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"biodata-backend/internal/model"
	"biodata-backend/internal/session"
)

const maxFrameSize = 64 << 10

var pongFrame = []byte(`{"type":"pong"}`)

// ServeWS upgrades the request and runs the session's read loop until the
// connection closes.
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sess := h.sessions.Open(conn, c.ClientIP())
	ctx := context.WithoutCancel(c.Request.Context())
	defer h.closeSession(ctx, sess, conn)

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		sess.Touch(h.clock.Now())
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.WithError(err).WithField("session", sess.ID()).Debug("WebSocket read failed")
			}
			return
		}
		h.handleFrame(ctx, sess, data)
	}
}

// handleFrame routes one inbound frame. Malformed frames are dropped and the
// connection stays open.
func (h *Handler) handleFrame(ctx context.Context, sess *session.Session, raw []byte) {
	sess.Touch(h.clock.Now())

	msg, err := model.ParseMessage(raw)
	if err != nil {
		h.reject(sess, err)
		return
	}
	if msg.IsPing() {
		if err := sess.Send(pongFrame); err != nil {
			h.log.WithError(err).WithField("session", sess.ID()).Debug("Failed to answer ping")
		}
		return
	}
	if msg.Username == "" {
		h.reject(sess, model.ErrMissingIdentity)
		return
	}

	first, err := h.sessions.Register(msg.Username, sess)
	if err != nil {
		h.reject(sess, err)
		return
	}
	if h.sessions.IsObserver(msg.Username) {
		return
	}
	if first {
		h.hub.Connected(ctx, msg.Username)
	}

	reading, err := msg.Reading()
	if err != nil {
		h.reject(sess, err)
		return
	}
	h.hub.Ingest(ctx, raw, reading)
}

func (h *Handler) reject(sess *session.Session, err error) {
	h.metrics.Readings.WithLabelValues("rejected").Inc()
	log := h.log.WithError(err).WithFields(logrus.Fields{"session": sess.ID(), "identity": sess.Identity()})
	if errors.Is(err, session.ErrIdentityChanged) {
		log.Warn("Frame announced a different identity, dropped")
		return
	}
	log.Debug("Frame dropped")
}

// closeSession unregisters sess and tells the hub when the identity has no
// session left.
func (h *Handler) closeSession(ctx context.Context, sess *session.Session, conn *websocket.Conn) {
	_ = conn.Close()
	identity, last := h.sessions.Unregister(sess)
	if !last || h.sessions.IsObserver(identity) {
		return
	}
	h.log.WithFields(logrus.Fields{"identity": identity, "reason": sess.CloseReason()}).Info("Sensor went offline")
	h.hub.Disconnected(ctx, identity, sess.CloseReason())
}
