// Package session tracks open WebSocket sessions, the identities they
// announced and their liveness.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"biodata-backend/config"
	"biodata-backend/internal/clock"
	"biodata-backend/internal/metrics"
)

// ErrIdentityChanged is returned when a session announces a second identity.
var ErrIdentityChanged = errors.New("session identity cannot change")

// Registry owns every open session and the identity to sessions mapping.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	identities map[string]map[string]*Session

	authTimeout     time.Duration
	pingInterval    time.Duration
	livenessTimeout time.Duration
	observerPrefix  string

	clock   clock.Clock
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.MonitorConfig, clk clock.Clock, log *logrus.Entry, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions:        make(map[string]*Session),
		identities:      make(map[string]map[string]*Session),
		authTimeout:     cfg.AuthTimeout,
		pingInterval:    cfg.PingInterval,
		livenessTimeout: cfg.LivenessTimeout,
		observerPrefix:  cfg.ObserverPrefix,
		clock:           clk,
		log:             log,
		metrics:         m,
	}
}

// Open adds a new unidentified session. It is closed if it does not identify
// within the auth timeout.
func (r *Registry) Open(conn Conn, remote string) *Session {
	s := newSession(conn, remote, r.clock.Now())
	go s.writePump()

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.metrics.OpenSessions.Inc()

	timer := r.clock.AfterFunc(r.authTimeout, func() {
		if s.Identity() == "" {
			r.log.WithField("remote", remote).Warn("Session did not identify in time, closing")
			r.terminate(s, ReasonAuthTimeout)
		}
	})
	s.mu.Lock()
	s.authTimer = timer
	s.mu.Unlock()
	return s
}

// Register binds s to identity. It reports whether s is the identity's only
// session, meaning the identity just came online.
func (r *Registry) Register(identity string, s *Session) (bool, error) {
	s.mu.Lock()
	switch s.identity {
	case identity:
		s.mu.Unlock()
		return false, nil
	case "":
		s.identity = identity
		if s.authTimer != nil {
			s.authTimer.Stop()
			s.authTimer = nil
		}
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return false, ErrIdentityChanged
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, open := r.sessions[s.id]; !open {
		return false, nil
	}
	set, ok := r.identities[identity]
	if !ok {
		set = make(map[string]*Session)
		r.identities[identity] = set
	}
	set[s.id] = s
	r.log.WithFields(logrus.Fields{"identity": identity, "sessions": len(set)}).Info("Session identified")
	return len(set) == 1, nil
}

// Unregister removes s. It returns the session's identity and whether no
// session is left for it. The session is closed if it was not already.
// Unregistering twice is a no-op.
func (r *Registry) Unregister(s *Session) (string, bool) {
	identity := s.Identity()
	// Stops the write pump. Runs after r.mu is released.
	defer s.close(ReasonClosed)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, open := r.sessions[s.id]; !open {
		return identity, false
	}
	delete(r.sessions, s.id)
	r.metrics.OpenSessions.Dec()

	s.mu.Lock()
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	s.mu.Unlock()

	if identity == "" {
		return "", false
	}
	set := r.identities[identity]
	delete(set, s.id)
	if len(set) > 0 {
		return identity, false
	}
	delete(r.identities, identity)
	return identity, true
}

// Online reports whether identity has at least one open session.
func (r *Registry) Online(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities[identity]) > 0
}

// IsObserver reports whether identity belongs to an observer.
func (r *Registry) IsObserver(identity string) bool {
	return strings.HasPrefix(identity, r.observerPrefix)
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast queues payload on every open session without blocking. A
// session whose queue is full is closed as a slow consumer; other sessions
// are unaffected.
func (r *Registry) Broadcast(payload []byte) {
	for _, s := range r.all() {
		switch err := s.Send(payload); {
		case errors.Is(err, ErrSendQueueFull):
			r.log.WithFields(logrus.Fields{"session": s.id, "identity": s.Identity()}).Warn("Session is not keeping up, closing")
			go r.terminate(s, ReasonSlowConsumer)
		case err != nil:
			r.log.WithError(err).WithField("session", s.id).Debug("Broadcast skipped closed session")
		}
	}
}

// Sweep closes sessions silent for longer than the liveness timeout and
// probes the others.
func (r *Registry) Sweep() {
	now := r.clock.Now()
	for _, s := range r.all() {
		s.mu.Lock()
		dead := !s.alive && now.Sub(s.lastSeen) > r.livenessTimeout
		s.alive = false
		s.mu.Unlock()

		if dead {
			r.log.WithFields(logrus.Fields{"identity": s.Identity(), "remote": s.remote}).Warn("Session silent for too long, closing")
			r.terminate(s, ReasonLivenessTimeout)
			continue
		}
		if err := s.ping(); err != nil {
			r.log.WithError(err).WithField("session", s.id).Debug("Liveness probe failed")
		}
	}
}

// Run sweeps every ping interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// CloseAll closes every open session.
func (r *Registry) CloseAll() {
	for _, s := range r.all() {
		s.close(ReasonClosed)
	}
}

// terminate closes the connection. The session's read loop observes the
// close and unregisters it.
func (r *Registry) terminate(s *Session, reason string) {
	if s.close(reason) {
		r.metrics.SessionsKilled.WithLabelValues(reason).Inc()
	}
}
