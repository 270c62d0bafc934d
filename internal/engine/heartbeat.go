package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pulse-backend/internal/metrics"
	"pulse-backend/internal/store"
)

// HeartbeatRequest is one liveness report from an instance agent.
type HeartbeatRequest struct {
	InstanceID  string         `json:"instanceId"`
	Status      string         `json:"status"`
	PhoneNumber string         `json:"phoneNumber"`
	Metrics     map[string]any `json:"metrics"`
}

// HeartbeatResult is returned to the reporting agent.
type HeartbeatResult struct {
	Status    string    `json:"status"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Ingestor owns the heartbeat write path: it derives the effective status,
// persists it, and fans out transition side effects.
type Ingestor struct {
	store      *store.Store
	events     *EventLogger
	dispatcher *Dispatcher
	meter      *Meter
}

func NewIngestor(s *store.Store, events *EventLogger, dispatcher *Dispatcher, meter *Meter) *Ingestor {
	return &Ingestor{store: s, events: events, dispatcher: dispatcher, meter: meter}
}

// ResolveEffectiveStatus derives the effective status from a reported status
// and the prior effective status. A literal "connected" always wins; any
// other report is taken verbatim; no report keeps the prior status (status
// is sticky when the agent omits it).
func ResolveEffectiveStatus(reported, prior string) string {
	switch {
	case reported == StatusConnected:
		return StatusConnected
	case reported != "":
		return reported
	case prior != "":
		return prior
	default:
		return StatusDisconnected
	}
}

// TransitionEvent names the webhook event for a newly resolved status.
func TransitionEvent(status string) string {
	if status == StatusConnected {
		return StatusConnected
	}
	return StatusDisconnected
}

// Ingest processes one heartbeat. The store write commits before any
// transition side effect fires, so webhooks never observe a pre-write
// snapshot. Metering and webhook failures are logged, never surfaced to the
// reporting agent.
func (ing *Ingestor) Ingest(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error) {
	if req.InstanceID == "" {
		return nil, InvalidArgumentError("instanceId is required")
	}

	now := time.Now().UTC()

	tx, err := ing.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin heartbeat tx: %w", err)
	}
	defer tx.Rollback()

	prior, err := fetchInstance(ctx, ing.store, tx, req.InstanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError("instance", req.InstanceID)
		}
		return nil, fmt.Errorf("load instance %s: %w", req.InstanceID, err)
	}

	effective := ResolveEffectiveStatus(req.Status, prior.EffectiveStatus)

	pb := ing.store.Dialect.NewParamBuilder()
	set := fmt.Sprintf("raw_status = %s, effective_status = %s, last_heartbeat = %s, updated_at = %s",
		pb.Add(req.Status), pb.Add(effective), pb.Add(now), pb.Add(now))
	if req.PhoneNumber != "" {
		set += fmt.Sprintf(", phone_number = %s", pb.Add(req.PhoneNumber))
	}
	if _, err := store.Exec(ctx, tx,
		fmt.Sprintf("UPDATE _instances SET %s WHERE id = %s", set, pb.Add(req.InstanceID)),
		pb.Params()...); err != nil {
		return nil, fmt.Errorf("update instance %s: %w", req.InstanceID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit heartbeat: %w", err)
	}

	metrics.HeartbeatsTotal.WithLabelValues(effective).Inc()

	ing.events.Log(EventEntry{
		InstanceID: req.InstanceID,
		TenantID:   prior.TenantID,
		EventType:  "heartbeat",
		Message:    fmt.Sprintf("heartbeat received (status=%s)", effective),
		Details:    req.Metrics,
	})

	if effective != prior.EffectiveStatus {
		ing.onTransition(prior, effective, req, now)
	}

	if effective == StatusConnected {
		if _, err := ing.meter.ChargeDaily(ctx, prior.TenantID, req.InstanceID, now); err != nil {
			log.Printf("ERROR: daily metering for instance %s: %v", req.InstanceID, err)
		}
	}

	return &HeartbeatResult{Status: effective, Heartbeat: now}, nil
}

// onTransition records the status change and notifies subscribed endpoints.
// Dispatch runs in the background: a slow receiver must not delay the
// heartbeat response.
func (ing *Ingestor) onTransition(prior *Instance, effective string, req HeartbeatRequest, now time.Time) {
	event := TransitionEvent(effective)

	severity := SeverityInfo
	if event == StatusDisconnected {
		severity = SeverityWarning
	}
	ing.events.Log(EventEntry{
		InstanceID: prior.ID,
		TenantID:   prior.TenantID,
		EventType:  event,
		Severity:   severity,
		Message:    fmt.Sprintf("instance transitioned %s -> %s", prior.EffectiveStatus, effective),
	})
	metrics.TransitionsTotal.WithLabelValues(event).Inc()

	phone := req.PhoneNumber
	if phone == "" {
		phone = prior.PhoneNumber
	}
	data := map[string]any{
		"instanceId":  prior.ID,
		"status":      effective,
		"phoneNumber": phone,
		"timestamp":   now.Format(time.RFC3339),
	}

	go func() {
		summary, err := ing.dispatcher.Dispatch(context.Background(), event, prior.ID, prior.TenantID, data)
		if err != nil {
			log.Printf("ERROR: dispatch %s webhooks for instance %s: %v", event, prior.ID, err)
			return
		}
		if summary.Dispatched > 0 {
			log.Printf("Dispatched %s to %d webhook(s) for instance %s", event, summary.Dispatched, prior.ID)
		}
	}()
}
