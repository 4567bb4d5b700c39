package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/productimport/internal/metrics"
)

const userAgent = "productimport-webhook/1"

// Subscribers looks up the endpoints for an event.
type Subscribers interface {
	ListEnabled(ctx context.Context, eventType string) ([]Subscription, error)
}

// Recorder persists delivery outcomes.
type Recorder interface {
	Append(ctx context.Context, a DeliveryAttempt) (DeliveryAttempt, error)
}

// TestResult is returned synchronously by TestDelivery.
type TestResult struct {
	WebhookID      int64   `json:"webhook_id"`
	StatusCode     *int    `json:"status_code"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	Success        bool    `json:"success"`
	ErrorMessage   *string `json:"error_message,omitempty"`
}

// Dispatcher fans events out to subscribers.
type Dispatcher struct {
	subs     Subscribers
	log      Recorder
	client   *http.Client
	policy   RetryPolicy
	parallel int

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. parallel caps concurrent deliveries
// per event; non-positive means unlimited.
func NewDispatcher(subs Subscribers, log Recorder, policy RetryPolicy, parallel int) *Dispatcher {
	return &Dispatcher{
		subs:     subs,
		log:      log,
		client:   &http.Client{},
		policy:   policy.normalized(),
		parallel: parallel,
	}
}

// Notify dispatches in the background and returns immediately. The delivery
// outlives cancellation of ctx; Wait blocks until outstanding
// notifications finish.
func (d *Dispatcher) Notify(ctx context.Context, eventType string, payload any) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Dispatch(ctx, eventType, payload); err != nil {
			slog.Error("webhook dispatch failed", "event", eventType, "error", err)
		}
	}()
}

// Wait blocks until background notifications complete or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch delivers payload to every enabled subscriber of eventType
// concurrently and returns when all deliveries are logged. Delivery failures
// are recorded, not returned; the error covers only the subscriber lookup.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload any) error {
	subs, err := d.subs.ListEnabled(ctx, eventType)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := encodeEvent(eventType, payload)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if d.parallel > 0 {
		g.SetLimit(d.parallel)
	}
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			d.trigger(gctx, sub, eventType, body)
			return nil
		})
	}
	return g.Wait()
}

// TestDelivery sends a test event to sub with the same retry and logging
// behaviour as a real trigger, and reports the outcome.
func (d *Dispatcher) TestDelivery(ctx context.Context, sub Subscription, eventType string) (TestResult, error) {
	if eventType == "" {
		eventType = EventTest
	}
	body, err := encodeEvent(eventType, map[string]any{"test": true, "event_type": eventType})
	if err != nil {
		return TestResult{}, err
	}

	start := time.Now()
	attempt := d.trigger(ctx, sub, eventType, body)
	elapsed := time.Since(start)

	res := TestResult{
		WebhookID:      sub.ID,
		StatusCode:     attempt.StatusCode,
		ResponseTimeMS: float64(elapsed.Microseconds()) / 1000,
		ErrorMessage:   attempt.ErrorMessage,
	}
	if attempt.StatusCode != nil {
		res.Success = *attempt.StatusCode >= 200 && *attempt.StatusCode < 300
	}
	return res, nil
}

// trigger runs the retry loop for one subscriber and appends exactly one
// log entry.
func (d *Dispatcher) trigger(ctx context.Context, sub Subscription, eventType string, body []byte) DeliveryAttempt {
	attempt := DeliveryAttempt{WebhookID: sub.ID, EventType: eventType}
	logger := slog.With("webhook_id", sub.ID, "event", eventType)

	var lastErr error
	tries := 0
	for tries < d.policy.MaxAttempts {
		tries++
		status, respBody, err := d.send(ctx, sub.URL, eventType, body)
		if err == nil {
			attempt.StatusCode = &status
			attempt.ResponseBody = &respBody
			lastErr = nil
			break
		}
		lastErr = err
		logger.Debug("webhook attempt failed", "attempt", tries, "error", err)
		if !d.policy.Retryable(err) {
			break
		}
	}

	result := "success"
	if lastErr != nil {
		msg := lastErr.Error()
		attempt.ErrorMessage = &msg
		result = "transport_error"
		logger.Warn("webhook delivery failed", "attempts", tries, "error", lastErr)
	} else if *attempt.StatusCode < 200 || *attempt.StatusCode >= 300 {
		result = "http_error"
		logger.Info("webhook endpoint returned error status", "status", *attempt.StatusCode)
	}
	metrics.WebhookDeliveries.WithLabelValues(eventType, result).Inc()
	metrics.WebhookAttempts.Observe(float64(tries))

	stored, err := d.log.Append(context.WithoutCancel(ctx), attempt)
	if err != nil {
		logger.Error("failed to record webhook delivery", "error", err)
		return attempt
	}
	return stored
}

// send performs one POST bounded by the policy timeout.
func (d *Dispatcher) send(ctx context.Context, target, eventType string, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// 4 bytes per rune is the worst case for the stored prefix.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody*4))
	return resp.StatusCode, responseText(raw), nil
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	body, err := json.Marshal(map[string]any{"event": eventType, "data": payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return body, nil
}
