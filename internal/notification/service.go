package notification

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"biodata-backend/internal/metrics"
)

// Result summarizes one fan-out.
type Result struct {
	Sent    int
	Failed  int
	Evicted int
}

// Service fans a message out to every registered observer token.
type Service struct {
	gateway Gateway
	tokens  *TokenRegistry
	size    int
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// NewService creates a service sending at most size notifications at once.
func NewService(gateway Gateway, tokens *TokenRegistry, size int, log *logrus.Entry, m *metrics.Metrics) *Service {
	if size <= 0 {
		size = 1
	}
	return &Service{
		gateway: gateway,
		tokens:  tokens,
		size:    size,
		log:     log,
		metrics: m,
	}
}

// Tokens exposes the registry the service sends to.
func (s *Service) Tokens() *TokenRegistry {
	return s.tokens
}

// Notify sends msg to a snapshot of the registered tokens. Each send is
// independent; tokens rejected as invalid are evicted.
func (s *Service) Notify(ctx context.Context, alertType string, msg Message) Result {
	tokens := s.tokens.Tokens()
	if len(tokens) == 0 {
		s.log.WithField("alertType", alertType).Debug("No observer tokens registered, alert not delivered")
		return Result{}
	}

	var sent, failed, evicted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.size)
	for _, token := range tokens {
		g.Go(func() error {
			id, err := s.gateway.Send(gctx, token, msg)
			switch {
			case err == nil:
				sent.Add(1)
				s.count(alertType, "sent")
				s.log.WithFields(logrus.Fields{"alertType": alertType, "id": id}).Debug("Alert delivered")
			case errors.Is(err, ErrInvalidToken):
				failed.Add(1)
				s.count(alertType, "invalid_token")
				if s.tokens.Evict(token) {
					evicted.Add(1)
					if s.metrics != nil {
						s.metrics.TokensEvicted.Inc()
					}
				}
				s.log.WithError(err).Warn("Evicted invalid observer token")
			default:
				failed.Add(1)
				s.count(alertType, "error")
				s.log.WithError(err).WithField("alertType", alertType).Error("Failed to deliver alert")
			}
			// A failed send never cancels the others.
			return nil
		})
	}
	_ = g.Wait()

	return Result{Sent: int(sent.Load()), Failed: int(failed.Load()), Evicted: int(evicted.Load())}
}

func (s *Service) count(alertType, result string) {
	if s.metrics != nil {
		s.metrics.AlertSends.WithLabelValues(alertType, result).Inc()
	}
}
