package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"biodata-backend/config"
)

// ErrInvalidToken reports a token the push service will never accept again.
var ErrInvalidToken = errors.New("invalid notification token")

// Message is one push notification.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Gateway delivers a message to a single observer token.
type Gateway interface {
	// Send returns a delivery id, or an error wrapping ErrInvalidToken when
	// the token should be dropped.
	Send(ctx context.Context, token string, msg Message) (string, error)
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(ctx context.Context, payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(ctx context.Context, payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotificationWithContext(ctx, payload, sub, options)
}

// WebPushGateway sends messages over Web Push. Tokens are JSON-encoded
// browser PushSubscription objects.
type WebPushGateway struct {
	options *webpush.Options
	sender  NotificationSender
}

// NewWebPushGateway creates a gateway signing with the configured VAPID keys.
func NewWebPushGateway(cfg config.PushConfig) *WebPushGateway {
	return &WebPushGateway{
		options: &webpush.Options{
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
			Subscriber:      cfg.Subject,
			TTL:             cfg.TTL,
			Urgency:         webpush.UrgencyHigh,
		},
		sender: &WebPushSender{},
	}
}

// ParseSubscription decodes a token into a push subscription.
func ParseSubscription(token string) (*webpush.Subscription, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, fmt.Errorf("%w: incomplete subscription", ErrInvalidToken)
	}
	return &sub, nil
}

// Send delivers msg to the subscription encoded in token.
func (g *WebPushGateway) Send(ctx context.Context, token string, msg Message) (string, error) {
	sub, err := ParseSubscription(token)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode push payload: %w", err)
	}

	resp, err := g.sender.Send(ctx, payload, sub, g.options)
	if err != nil {
		return "", fmt.Errorf("failed to send push to %s: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: push service answered %d", ErrInvalidToken, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("push service answered %d for %s", resp.StatusCode, sub.Endpoint)
	}
	return resp.Header.Get("Location"), nil
}
