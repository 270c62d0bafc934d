package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pulse-backend/internal/store"
)

// WebhookScheduler retries failed webhook deliveries on a background
// interval. Retries go through the same outcome path as first deliveries,
// so they count toward the failure circuit breaker.
type WebhookScheduler struct {
	store      *store.Store
	dispatcher *Dispatcher
	interval   time.Duration
	ticker     *time.Ticker
	done       chan struct{}
}

func NewWebhookScheduler(s *store.Store, dispatcher *Dispatcher, interval time.Duration) *WebhookScheduler {
	return &WebhookScheduler{store: s, dispatcher: dispatcher, interval: interval}
}

// Start begins the background ticker for retrying webhook deliveries.
func (ws *WebhookScheduler) Start() {
	ws.ticker = time.NewTicker(ws.interval)
	ws.done = make(chan struct{})
	go ws.run()
	log.Printf("Webhook retry scheduler started (%s interval)", ws.interval)
}

// Stop halts the background ticker.
func (ws *WebhookScheduler) Stop() {
	if ws.ticker != nil {
		ws.ticker.Stop()
	}
	if ws.done != nil {
		close(ws.done)
	}
}

func (ws *WebhookScheduler) run() {
	for {
		select {
		case <-ws.done:
			return
		case <-ws.ticker.C:
			ws.processRetries()
		}
	}
}

func (ws *WebhookScheduler) processRetries() {
	ctx := context.Background()

	pb := ws.store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, ws.store.DB,
		fmt.Sprintf(`SELECT id, webhook_id, event, request_body, attempt, max_attempts
		 FROM _webhook_logs
		 WHERE status = 'retrying' AND next_retry_at < %s
		 ORDER BY next_retry_at ASC
		 LIMIT 50`, pb.Add(time.Now().UTC())),
		pb.Params()...)
	if err != nil {
		log.Printf("ERROR: webhook scheduler query: %v", err)
		return
	}

	for _, row := range rows {
		ws.retryDelivery(ctx, row)
	}
}

func (ws *WebhookScheduler) retryDelivery(ctx context.Context, row map[string]any) {
	logID := toString(row["id"])
	webhookID := toString(row["webhook_id"])
	event := toString(row["event"])
	body := []byte(toString(row["request_body"]))
	attempt := toInt(row["attempt"]) + 1

	sub, err := fetchSubscription(ctx, ws.store, webhookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ws.updateLog(ctx, logID, "failed", attempt, DeliveryResult{Error: "subscription deleted"}, nil)
			return
		}
		log.Printf("ERROR: webhook scheduler load subscription %s: %v", webhookID, err)
		return
	}

	// A subscription disabled since the first attempt gets no more traffic.
	if !sub.IsActive {
		ws.updateLog(ctx, logID, "failed", attempt, DeliveryResult{Error: "subscription disabled"}, nil)
		return
	}

	payload := &WebhookPayload{Event: event, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	res := ws.dispatcher.deliver(ctx, sub, payload, body)
	status, nextRetry := ws.dispatcher.settleOutcome(ctx, sub, event, res, attempt)
	ws.updateLog(ctx, logID, status, attempt, res, nextRetry)

	if status == "delivered" {
		log.Printf("Webhook retry delivered: log=%s attempt=%d", logID, attempt)
	} else if status == "failed" {
		log.Printf("Webhook retry exhausted: log=%s attempt=%d", logID, attempt)
	}
}

func (ws *WebhookScheduler) updateLog(ctx context.Context, logID, status string, attempt int, res DeliveryResult, nextRetry *time.Time) {
	pb := ws.store.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, ws.store.DB,
		fmt.Sprintf(`UPDATE _webhook_logs
		 SET status = %s, attempt = %s, response_status = %s, response_body = %s,
		     error = %s, next_retry_at = %s, updated_at = %s
		 WHERE id = %s`,
			pb.Add(status), pb.Add(attempt), pb.Add(res.StatusCode), pb.Add(res.responseBody),
			pb.Add(res.Error), pb.Add(nextRetry), pb.Add(time.Now().UTC()), pb.Add(logID)),
		pb.Params()...)
	if err != nil {
		log.Printf("ERROR: webhook scheduler update %s: %v", logID, err)
	}
}
