package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"pulse-backend/internal/metrics"
	"pulse-backend/internal/store"
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// WebhookSubscription is a tenant-configured endpoint registered for a set
// of event names. Created and edited externally; this engine only mutates
// the delivery bookkeeping (failure_count, last_triggered_at, is_active).
type WebhookSubscription struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	URL             string     `json:"url"`
	Secret          string     `json:"secret,omitempty"`
	Events          []string   `json:"events"`
	Condition       string     `json:"condition,omitempty"`
	IsActive        bool       `json:"is_active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at"`
}

func subscriptionFromRow(row map[string]any) *WebhookSubscription {
	return &WebhookSubscription{
		ID:              toString(row["id"]),
		TenantID:        toString(row["tenant_id"]),
		URL:             toString(row["url"]),
		Secret:          toString(row["secret"]),
		Events:          toStringSlice(row["events"]),
		Condition:       toString(row["condition"]),
		IsActive:        toBool(row["is_active"]),
		FailureCount:    toInt(row["failure_count"]),
		LastTriggeredAt: toTime(row["last_triggered_at"]),
	}
}

// SubscribesTo reports whether the subscription's events set contains name.
func (w *WebhookSubscription) SubscribesTo(name string) bool {
	for _, e := range w.Events {
		if e == name {
			return true
		}
	}
	return false
}

const subscriptionColumns = "id, tenant_id, url, secret, events, condition, is_active, failure_count, last_triggered_at"

func fetchSubscription(ctx context.Context, s *store.Store, id string) (*WebhookSubscription, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM _webhooks WHERE id = %s", subscriptionColumns, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	return subscriptionFromRow(row), nil
}

// WebhookPayload is the JSON body POSTed to webhook endpoints.
type WebhookPayload struct {
	Event      string         `json:"event"`
	InstanceID string         `json:"instanceId"`
	Timestamp  string         `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// SignPayload computes the hex HMAC-SHA256 signature of the raw body using
// the subscription's shared secret.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// DeliveryResult is the outcome of one delivery attempt to one subscription.
type DeliveryResult struct {
	WebhookID  string `json:"webhookId"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`

	timedOut     bool
	responseBody string
}

// DispatchSummary aggregates per-subscription outcomes. Individual delivery
// failures never fail the overall dispatch.
type DispatchSummary struct {
	Dispatched int              `json:"dispatched"`
	Results    []DeliveryResult `json:"results"`
}

// Dispatcher resolves matching subscriptions for an event and delivers to
// each concurrently, recording outcomes and disabling endpoints that keep
// failing.
type Dispatcher struct {
	store            *store.Store
	events           *EventLogger
	client           *http.Client
	timeout          time.Duration
	failureThreshold int
	maxAttempts      int
}

func NewDispatcher(s *store.Store, events *EventLogger, timeout time.Duration, failureThreshold, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		store:            s,
		events:           events,
		client:           &http.Client{Timeout: timeout},
		timeout:          timeout,
		failureThreshold: failureThreshold,
		maxAttempts:      maxAttempts,
	}
}

// Dispatch notifies every active subscription of the tenant that listens for
// the event. Deliveries run concurrently, each bounded by its own timeout; a
// hanging endpoint delays nobody else. No matching subscriptions is a
// normal zero-dispatch outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, event, instanceID, tenantID string, data map[string]any) (*DispatchSummary, error) {
	if event == "" {
		return nil, InvalidArgumentError("event is required")
	}
	if instanceID == "" {
		return nil, InvalidArgumentError("instanceId is required")
	}
	if tenantID == "" {
		return nil, InvalidArgumentError("userId is required")
	}

	payload := &WebhookPayload{
		Event:      event,
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Data:       data,
	}
	if payload.Data == nil {
		payload.Data = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	subs, err := d.matchingSubscriptions(ctx, event, tenantID, payload)
	if err != nil {
		return nil, fmt.Errorf("resolve subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return &DispatchSummary{Results: []DeliveryResult{}}, nil
	}

	results := make([]DeliveryResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *WebhookSubscription) {
			defer wg.Done()
			res := d.deliver(ctx, sub, payload, body)
			d.recordOutcome(context.Background(), sub, payload.Event, body, res, 1)
			results[i] = res
		}(i, sub)
	}
	wg.Wait()

	return &DispatchSummary{Dispatched: len(subs), Results: results}, nil
}

// matchingSubscriptions returns the tenant's active subscriptions whose
// events set contains the event name and whose condition (if any) holds for
// the payload. Condition errors skip the subscription rather than failing
// the dispatch.
func (d *Dispatcher) matchingSubscriptions(ctx context.Context, event, tenantID string, payload *WebhookPayload) ([]*WebhookSubscription, error) {
	pb := d.store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, d.store.DB,
		fmt.Sprintf("SELECT %s FROM _webhooks WHERE tenant_id = %s AND is_active = TRUE",
			subscriptionColumns, pb.Add(tenantID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}

	var subs []*WebhookSubscription
	for _, row := range rows {
		sub := subscriptionFromRow(row)
		if !sub.SubscribesTo(event) {
			continue
		}
		fire, err := EvaluateCondition(sub.Condition, payload)
		if err != nil {
			log.Printf("ERROR: webhook %s condition evaluation: %v", sub.ID, err)
			continue
		}
		if fire {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// EvaluateCondition evaluates a subscription's condition expression against
// the outgoing payload. Empty condition always fires.
func EvaluateCondition(condition string, payload *WebhookPayload) (bool, error) {
	if condition == "" {
		return true, nil
	}
	env := map[string]any{
		"event":      payload.Event,
		"instanceId": payload.InstanceID,
		"data":       payload.Data,
	}
	prog, err := expr.Compile(condition, expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition: %w", err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return b, nil
}

// deliver POSTs the signed payload to one subscription with a bounded
// timeout. It mutates nothing; outcome recording is recordOutcome's job.
func (d *Dispatcher) deliver(ctx context.Context, sub *WebhookSubscription, payload *WebhookPayload, body []byte) DeliveryResult {
	res := DeliveryResult{WebhookID: sub.ID}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		res.Error = fmt.Sprintf("build request: %v", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, payload.Event)
	req.Header.Set(HeaderTimestamp, payload.Timestamp)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, SignPayload(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			res.Error = fmt.Sprintf("timeout after %s", d.timeout)
			res.timedOut = true
		} else {
			res.Error = fmt.Sprintf("http call: %v", err)
		}
		return res
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // max 64KB

	res.StatusCode = resp.StatusCode
	res.responseBody = string(respBody)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
	} else {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return res
}

// recordOutcome settles one first-attempt delivery and writes its log row.
func (d *Dispatcher) recordOutcome(ctx context.Context, sub *WebhookSubscription, event string, body []byte, res DeliveryResult, attempt int) {
	status, nextRetry := d.settleOutcome(ctx, sub, event, res, attempt)
	d.insertDeliveryLog(ctx, sub, event, body, res, attempt, status, nextRetry)
}

// settleOutcome updates the subscription's failure bookkeeping and trips the
// circuit breaker when the post-increment failure count reaches the
// threshold. The attempt time is recorded as last_triggered_at for failures
// too, since an attempt was made. Returns the delivery-log status and, for
// retriable failures, the next retry time (exponential backoff).
func (d *Dispatcher) settleOutcome(ctx context.Context, sub *WebhookSubscription, event string, res DeliveryResult, attempt int) (string, *time.Time) {
	now := time.Now().UTC()

	if res.Success {
		pb := d.store.Dialect.NewParamBuilder()
		_, err := store.Exec(ctx, d.store.DB,
			fmt.Sprintf(`UPDATE _webhooks SET failure_count = 0, last_triggered_at = %s, updated_at = %s WHERE id = %s`,
				pb.Add(now), pb.Add(now), pb.Add(sub.ID)),
			pb.Params()...)
		if err != nil {
			log.Printf("ERROR: record webhook %s success: %v", sub.ID, err)
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		d.events.Log(EventEntry{
			TenantID:  sub.TenantID,
			EventType: "webhook_delivery",
			Message:   fmt.Sprintf("delivered %s to %s (HTTP %d)", event, sub.URL, res.StatusCode),
		})
		return "delivered", nil
	}

	// Failure: atomic increment plus threshold check in one statement, so
	// concurrent deliveries cannot double-count past the breaker.
	pb := d.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, d.store.DB,
		fmt.Sprintf(`UPDATE _webhooks
		 SET failure_count = failure_count + 1,
		     last_triggered_at = %s,
		     updated_at = %s,
		     is_active = CASE WHEN failure_count + 1 >= %s THEN FALSE ELSE is_active END
		 WHERE id = %s
		 RETURNING failure_count, is_active`,
			pb.Add(now), pb.Add(now), pb.Add(d.failureThreshold), pb.Add(sub.ID)),
		pb.Params()...)
	if err != nil {
		log.Printf("ERROR: record webhook %s failure: %v", sub.ID, err)
		return "failed", nil
	}
	failureCount := toInt(row["failure_count"])
	stillActive := toBool(row["is_active"])

	outcome := "failure"
	if res.timedOut {
		outcome = "timeout"
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	d.events.Log(EventEntry{
		TenantID:  sub.TenantID,
		EventType: "webhook_delivery",
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("delivery of %s to %s failed (attempt %d): %s", event, sub.URL, attempt, res.Error),
	})

	if !stillActive {
		metrics.WebhooksDisabledTotal.Inc()
		d.events.Log(EventEntry{
			TenantID:  sub.TenantID,
			EventType: "webhook_disabled",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("webhook %s disabled after %d consecutive failures", sub.ID, failureCount),
		})
		log.Printf("Webhook %s disabled after %d failures", sub.ID, failureCount)
	}

	status := "failed"
	var nextRetry *time.Time
	if stillActive && attempt < d.maxAttempts {
		status = "retrying"
		t := now.Add(retryBackoff(attempt))
		nextRetry = &t
	}
	return status, nextRetry
}

// retryBackoff doubles per attempt: 30s, 60s, 120s, ...
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return 30 * time.Second << (attempt - 1)
}

func (d *Dispatcher) insertDeliveryLog(ctx context.Context, sub *WebhookSubscription, event string, body []byte, res DeliveryResult, attempt int, status string, nextRetry *time.Time) {
	pb := d.store.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, d.store.DB,
		fmt.Sprintf(`INSERT INTO _webhook_logs (id, webhook_id, event, url, request_body, response_status, response_body, status, attempt, max_attempts, next_retry_at, error)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(uuid.New().String()), pb.Add(sub.ID), pb.Add(event), pb.Add(sub.URL),
			pb.Add(string(body)), pb.Add(res.StatusCode), pb.Add(res.responseBody),
			pb.Add(status), pb.Add(attempt), pb.Add(d.maxAttempts), pb.Add(nextRetry), pb.Add(res.Error)),
		pb.Params()...)
	if err != nil {
		log.Printf("ERROR: log webhook delivery for %s: %v", sub.ID, err)
	}
}
