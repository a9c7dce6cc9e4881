package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"ledgerworks/pkg/clients"
	"ledgerworks/pkg/logging"
	"ledgerworks/pkg/models"
)

// SignatureHeader carries the timestamped HMAC of the payload
const SignatureHeader = "X-Bursar-Signature"

// Dispatcher delivers signed event envelopes to configured endpoints.
// Delivery is fire-and-forget; failures are logged and never propagate
// to the caller.
type Dispatcher struct {
	logger logging.Logger
	urls   []string
	secret string
	client *http.Client
	retry  clients.RetryConfig

	mu       sync.Mutex
	breakers map[string]*clients.CircuitBreaker

	deliveries *prometheus.CounterVec
	wg         sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher for the given endpoint URLs
func NewDispatcher(logger logging.Logger, urls []string, secret string) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		urls:     urls,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		retry:    clients.DefaultRetryConfig(),
		breakers: make(map[string]*clients.CircuitBreaker),
	}
}

// SetMetrics wires a delivery counter labeled {event_type, status}
func (d *Dispatcher) SetMetrics(deliveries *prometheus.CounterVec) {
	d.deliveries = deliveries
}

// Emit queues an event for asynchronous delivery to every endpoint
func (d *Dispatcher) Emit(eventType string, data models.JSONB) {
	if len(d.urls) == 0 {
		return
	}

	event := models.WebhookEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(event)
	}()
}

// Wait blocks until in-flight deliveries finish. Used during shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(event models.WebhookEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to marshal webhook event")
		return
	}

	ts := time.Now().Unix()
	signature := Sign(d.secret, ts, payload)

	for _, url := range d.urls {
		d.deliverOne(event, url, payload, signature)
	}
}

func (d *Dispatcher) deliverOne(event models.WebhookEvent, url string, payload []byte, signature string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		d.logger.WithError(err).WithField("url", url).Error("Failed to build webhook request")
		d.count(event.Type, "error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	cfg := d.retry
	cfg.CircuitBreaker = d.breakerFor(url)

	resp, err := clients.DoWithRetry(ctx, d.client, req, cfg)
	if err != nil {
		d.logger.WithError(err).WithFields(logging.Fields{
			"url":        url,
			"event_type": event.Type,
			"event_id":   event.ID,
		}).Warn("Webhook delivery failed")
		d.count(event.Type, "failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.WithFields(logging.Fields{
			"url":        url,
			"event_type": event.Type,
			"event_id":   event.ID,
			"status":     resp.StatusCode,
		}).Warn("Webhook endpoint rejected event")
		d.count(event.Type, "rejected")
		return
	}

	d.count(event.Type, "delivered")
}

func (d *Dispatcher) breakerFor(url string) *clients.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[url]
	if !ok {
		cb = clients.NewCircuitBreaker(clients.DefaultCircuitBreakerConfig())
		d.breakers[url] = cb
	}
	return cb
}

func (d *Dispatcher) count(eventType, status string) {
	if d.deliveries != nil {
		d.deliveries.WithLabelValues(eventType, status).Inc()
	}
}

// Sign computes the signature header value for a payload:
// t=<unix>,v1=<hex HMAC-SHA256 of "<t>.<payload>">
func Sign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
