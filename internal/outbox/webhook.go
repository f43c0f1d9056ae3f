package outbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/actions"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/secrets"
	"github.com/rendis/chatflow/pkg/schema"
)

// Webhook delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

const defaultDeliveryTimeout = 30 * time.Second

// SubscriptionSource reads subscriptions and records delivery health.
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, id string) (*schema.WebhookSubscription, error)
	RecordDelivery(ctx context.Context, id string, success bool, at time.Time) error
}

// WebhookDeliverer posts events to the subscription named by a
// webhook:<subscription_id> destination.
type WebhookDeliverer struct {
	subs   SubscriptionSource
	vault  secrets.Vault
	caller *actions.HTTPCaller
	logger *slog.Logger
}

// NewWebhookDeliverer creates a WebhookDeliverer. Signing secrets are read
// from vault under secrets.SubscriptionKey; a nil vault sends unsigned
// requests. caller may carry a circuit breaker so a failing endpoint is
// skipped while open.
func NewWebhookDeliverer(subs SubscriptionSource, vault secrets.Vault, caller *actions.HTTPCaller, logger *slog.Logger) *WebhookDeliverer {
	if caller == nil {
		caller = actions.NewHTTPCaller(actions.HTTPConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDeliverer{subs: subs, vault: vault, caller: caller, logger: logger}
}

// Sign returns the X-Webhook-Signature value of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, ev *schema.OutboxEvent) error {
	id := strings.TrimPrefix(ev.Destination, schema.DestinationWebhook)
	sub, err := w.subs.GetSubscription(ctx, id)
	if err != nil {
		if schema.IsNotFound(err) {
			return engine.Permanent(fmt.Errorf("subscription %s not found", id))
		}
		return fmt.Errorf("load subscription %s: %w", id, err)
	}
	if sub.Status != schema.SubscriptionActive {
		return engine.Permanent(fmt.Errorf("subscription %s is %s", id, sub.Status))
	}

	// The caller re-encodes the body; compact it first so the signature
	// covers the exact bytes on the wire.
	body, err := json.Marshal(json.RawMessage(ev.Payload))
	if err != nil {
		return engine.Permanent(fmt.Errorf("event %s has an invalid payload: %w", ev.ID, err))
	}

	headers := make(map[string]string, len(sub.Headers)+3)
	for k, v := range sub.Headers {
		headers[k] = v
	}
	headers[HeaderEvent] = ev.EventType
	headers[HeaderDelivery] = ev.ID
	secret, err := w.secret(ctx, sub)
	if err != nil {
		return err
	}
	if secret != "" {
		headers[HeaderSignature] = Sign(secret, body)
	}
	timeout := defaultDeliveryTimeout
	if sub.TimeoutSeconds > 0 {
		timeout = time.Duration(sub.TimeoutSeconds) * time.Second
	}
	method := sub.Method
	if method == "" {
		method = http.MethodPost
	}

	resp, err := w.caller.Do(ctx, actions.HTTPRequest{
		Method:  method,
		URL:     sub.URL,
		Headers: headers,
		Body:    json.RawMessage(body),
		Timeout: timeout,
	})
	if err == nil && !resp.OK() {
		err = statusError(resp.StatusCode)
	}
	w.record(ctx, sub.ID, err == nil)
	return err
}

func (w *WebhookDeliverer) secret(ctx context.Context, sub *schema.WebhookSubscription) (string, error) {
	if sub.Secret != "" || w.vault == nil {
		return sub.Secret, nil
	}
	b, err := w.vault.Resolve(ctx, secrets.SubscriptionKey(sub.ID))
	if err != nil {
		if schema.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("resolve signing secret of %s: %w", sub.ID, err)
	}
	return string(b), nil
}

func (w *WebhookDeliverer) record(ctx context.Context, id string, success bool) {
	if err := w.subs.RecordDelivery(context.WithoutCancel(ctx), id, success, time.Now().UTC()); err != nil {
		w.logger.WarnContext(ctx, "subscription health not recorded",
			slog.String("subscription_id", id), slog.String("error", err.Error()))
	}
}

// statusError classifies a non-2xx response. 4xx other than 408 and 429 will
// not succeed on retry.
func statusError(code int) error {
	err := schema.NewErrorf(schema.ErrCodeWebhook, "subscriber returned status %d", code).
		WithDetails(map[string]any{"status_code": code})
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return engine.Permanent(err)
	}
	return err
}
