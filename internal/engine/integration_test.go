//go:build integration

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"pulse-backend/internal/config"
	"pulse-backend/internal/store"
)

const testTenantID = "tenant-1"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "engine_test",
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	pb := s.Dialect.NewParamBuilder()
	if _, err := store.Exec(ctx, s.DB,
		fmt.Sprintf("INSERT INTO _tenants (id, name, credit_balance) VALUES (%s, %s, %s)",
			pb.Add(testTenantID), pb.Add("acme"), pb.Add(1000)),
		pb.Params()...); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return s
}

func newTestEventLogger(t *testing.T, s *store.Store) *EventLogger {
	t.Helper()
	el := NewEventLogger(s, 100, 50*time.Millisecond)
	t.Cleanup(el.Stop)
	return el
}

func seedInstance(t *testing.T, s *store.Store, id string) {
	t.Helper()
	inst := &Instance{ID: id, TenantID: testTenantID, Name: id, EffectiveStatus: StatusDisconnected}
	if err := insertInstance(context.Background(), s, inst); err != nil {
		t.Fatalf("seed instance %s: %v", id, err)
	}
}

func seedWebhook(t *testing.T, s *store.Store, url string, events []string) string {
	t.Helper()
	id := uuid.New().String()
	eventsJSON, _ := json.Marshal(events)
	pb := s.Dialect.NewParamBuilder()
	if _, err := store.Exec(context.Background(), s.DB,
		fmt.Sprintf(`INSERT INTO _webhooks (id, tenant_id, url, secret, events)
		 VALUES (%s, %s, %s, %s, %s)`,
			pb.Add(id), pb.Add(testTenantID), pb.Add(url), pb.Add("s3cret"), pb.Add(string(eventsJSON))),
		pb.Params()...); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	return id
}

func loadSubscription(t *testing.T, s *store.Store, id string) *WebhookSubscription {
	t.Helper()
	sub, err := fetchSubscription(context.Background(), s, id)
	if err != nil {
		t.Fatalf("fetch subscription %s: %v", id, err)
	}
	return sub
}

func tenantBalance(t *testing.T, s *store.Store) int {
	t.Helper()
	pb := s.Dialect.NewParamBuilder()
	row, err := store.QueryRow(context.Background(), s.DB,
		fmt.Sprintf("SELECT credit_balance FROM _tenants WHERE id = %s", pb.Add(testTenantID)),
		pb.Params()...)
	if err != nil {
		t.Fatalf("load tenant: %v", err)
	}
	return toInt(row["credit_balance"])
}

func TestIngest_HeartbeatFlow(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)

	received := make(chan *http.Request, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	seedInstance(t, s, "i1")
	seedWebhook(t, s, srv.URL, []string{"connected", "disconnected"})

	dispatcher := NewDispatcher(s, events, 5*time.Second, 10, 3)
	meter := NewMeter(s, events, 15)
	ing := NewIngestor(s, events, dispatcher, meter)

	result, err := ing.Ingest(context.Background(), HeartbeatRequest{
		InstanceID:  "i1",
		Status:      "connected",
		PhoneNumber: "+15550001111",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != StatusConnected {
		t.Fatalf("expected connected, got %q", result.Status)
	}

	inst, err := fetchInstance(context.Background(), s, s.DB, "i1")
	if err != nil {
		t.Fatalf("reload instance: %v", err)
	}
	if inst.EffectiveStatus != StatusConnected {
		t.Fatalf("stored status %q", inst.EffectiveStatus)
	}
	if inst.LastHeartbeat == nil {
		t.Fatal("expected last_heartbeat to be set")
	}
	if inst.PhoneNumber != "+15550001111" {
		t.Fatalf("stored phone %q", inst.PhoneNumber)
	}

	// Transition fires exactly one delivery in the background.
	select {
	case req := <-received:
		if got := req.Header.Get(HeaderEvent); got != "connected" {
			t.Fatalf("event header %q", got)
		}
		if req.Header.Get(HeaderSignature) == "" {
			t.Fatal("expected signature header")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no webhook delivery received")
	}

	// Second heartbeat with the same status: no transition, no delivery.
	if _, err := ing.Ingest(context.Background(), HeartbeatRequest{InstanceID: "i1", Status: "connected"}); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	select {
	case <-received:
		t.Fatal("unexpected delivery without a transition")
	case <-time.After(300 * time.Millisecond):
	}

	// Connected heartbeats charge once per day.
	if got := tenantBalance(t, s); got != 985 {
		t.Fatalf("expected balance 985, got %d", got)
	}
	rows, err := store.QueryRows(context.Background(), s.DB, "SELECT id FROM _credit_usage")
	if err != nil {
		t.Fatalf("load usage: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(rows))
	}
}

func TestIngest_UnknownInstance(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)
	dispatcher := NewDispatcher(s, events, time.Second, 10, 3)
	ing := NewIngestor(s, events, dispatcher, NewMeter(s, events, 15))

	_, err := ing.Ingest(context.Background(), HeartbeatRequest{InstanceID: "nope", Status: "connected"})
	if err == nil {
		t.Fatal("expected error")
	}
	appErr, ok := err.(*AppError)
	if !ok || appErr.Status != 404 {
		t.Fatalf("expected 404 AppError, got %v", err)
	}
}

func TestIngest_StickyStatus(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)
	dispatcher := NewDispatcher(s, events, time.Second, 10, 3)
	ing := NewIngestor(s, events, dispatcher, NewMeter(s, events, 15))

	seedInstance(t, s, "i1")

	if _, err := ing.Ingest(context.Background(), HeartbeatRequest{InstanceID: "i1", Status: "connecting"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// No status in the report keeps the prior one.
	result, err := ing.Ingest(context.Background(), HeartbeatRequest{InstanceID: "i1"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != "connecting" {
		t.Fatalf("expected sticky connecting, got %q", result.Status)
	}
}

func TestDispatcher_CircuitBreaker(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	webhookID := seedWebhook(t, s, srv.URL, []string{"disconnected"})
	d := NewDispatcher(s, events, 2*time.Second, 10, 1)

	for i := 1; i <= 10; i++ {
		summary, err := d.Dispatch(context.Background(), "disconnected", "i1", testTenantID, nil)
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		if summary.Dispatched != 1 {
			t.Fatalf("dispatch %d: expected 1 delivery, got %d", i, summary.Dispatched)
		}

		sub := loadSubscription(t, s, webhookID)
		if sub.FailureCount != i {
			t.Fatalf("dispatch %d: expected failure_count %d, got %d", i, i, sub.FailureCount)
		}
		wantActive := i < 10
		if sub.IsActive != wantActive {
			t.Fatalf("dispatch %d: expected is_active=%v, got %v", i, wantActive, sub.IsActive)
		}
	}

	// A disabled endpoint no longer matches.
	summary, err := d.Dispatch(context.Background(), "disconnected", "i1", testTenantID, nil)
	if err != nil {
		t.Fatalf("dispatch after disable: %v", err)
	}
	if summary.Dispatched != 0 {
		t.Fatalf("expected 0 deliveries to disabled webhook, got %d", summary.Dispatched)
	}
}

func TestDispatcher_SuccessResetsFailureCount(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)

	var fail bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	webhookID := seedWebhook(t, s, srv.URL, []string{"connected"})
	d := NewDispatcher(s, events, 2*time.Second, 10, 1)

	fail = true
	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(context.Background(), "connected", "i1", testTenantID, nil); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if sub := loadSubscription(t, s, webhookID); sub.FailureCount != 3 {
		t.Fatalf("expected failure_count 3, got %d", sub.FailureCount)
	}

	fail = false
	if _, err := d.Dispatch(context.Background(), "connected", "i1", testTenantID, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	sub := loadSubscription(t, s, webhookID)
	if sub.FailureCount != 0 {
		t.Fatalf("success should reset failure_count, got %d", sub.FailureCount)
	}
	if sub.LastTriggeredAt == nil {
		t.Fatal("expected last_triggered_at to be set")
	}
}

func TestDispatcher_LogsDeliveries(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	webhookID := seedWebhook(t, s, srv.URL, []string{"connected"})
	d := NewDispatcher(s, events, 2*time.Second, 10, 3)

	if _, err := d.Dispatch(context.Background(), "connected", "i1", testTenantID, map[string]any{"k": "v"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	pb := s.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(context.Background(), s.DB,
		fmt.Sprintf("SELECT status, attempt, response_status FROM _webhook_logs WHERE webhook_id = %s", pb.Add(webhookID)),
		pb.Params()...)
	if err != nil {
		t.Fatalf("load logs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(rows))
	}
	if got := toString(rows[0]["status"]); got != "delivered" {
		t.Fatalf("expected status delivered, got %q", got)
	}
	if got := toInt(rows[0]["response_status"]); got != 200 {
		t.Fatalf("expected response_status 200, got %d", got)
	}
}

func TestDispatcher_ConditionFilters(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id := seedWebhook(t, s, srv.URL, []string{"disconnected"})
	pb := s.Dialect.NewParamBuilder()
	if _, err := store.Exec(context.Background(), s.DB,
		fmt.Sprintf("UPDATE _webhooks SET condition = %s WHERE id = %s",
			pb.Add(`data.reason == "banned"`), pb.Add(id)),
		pb.Params()...); err != nil {
		t.Fatalf("set condition: %v", err)
	}

	d := NewDispatcher(s, events, 2*time.Second, 10, 3)

	summary, err := d.Dispatch(context.Background(), "disconnected", "i1", testTenantID, map[string]any{"reason": "stale"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Dispatched != 0 {
		t.Fatalf("condition should have filtered delivery, got %d", summary.Dispatched)
	}

	summary, err = d.Dispatch(context.Background(), "disconnected", "i1", testTenantID, map[string]any{"reason": "banned"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if summary.Dispatched != 1 {
		t.Fatalf("expected 1 delivery, got %d", summary.Dispatched)
	}
}

func TestMeter_IdempotentDailyCharge(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)
	m := NewMeter(s, events, 15)
	now := time.Now().UTC()

	charged, err := m.ChargeDaily(context.Background(), testTenantID, "i1", now)
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if !charged {
		t.Fatal("first charge should debit")
	}

	charged, err = m.ChargeDaily(context.Background(), testTenantID, "i1", now)
	if err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if charged {
		t.Fatal("second charge same day should be a no-op")
	}

	if got := tenantBalance(t, s); got != 985 {
		t.Fatalf("expected balance 985, got %d", got)
	}

	// A different instance charges independently.
	charged, err = m.ChargeDaily(context.Background(), testTenantID, "i2", now)
	if err != nil || !charged {
		t.Fatalf("expected independent charge, got charged=%v err=%v", charged, err)
	}
	if got := tenantBalance(t, s); got != 970 {
		t.Fatalf("expected balance 970, got %d", got)
	}
}

func TestMeter_BalanceSaturatesAtZero(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)

	pb := s.Dialect.NewParamBuilder()
	if _, err := store.Exec(context.Background(), s.DB,
		fmt.Sprintf("UPDATE _tenants SET credit_balance = 10 WHERE id = %s", pb.Add(testTenantID)),
		pb.Params()...); err != nil {
		t.Fatalf("set balance: %v", err)
	}

	m := NewMeter(s, events, 15)
	charged, err := m.ChargeDaily(context.Background(), testTenantID, "i1", time.Now().UTC())
	if err != nil || !charged {
		t.Fatalf("charge: charged=%v err=%v", charged, err)
	}
	if got := tenantBalance(t, s); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
}

func TestScheduler_RetriesFailedDelivery(t *testing.T) {
	s := newTestStore(t)
	events := newTestEventLogger(t, s)

	var fail bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	webhookID := seedWebhook(t, s, srv.URL, []string{"disconnected"})
	d := NewDispatcher(s, events, 2*time.Second, 10, 3)
	ws := NewWebhookScheduler(s, d, time.Hour)

	fail = true
	if _, err := d.Dispatch(context.Background(), "disconnected", "i1", testTenantID, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	pb := s.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(context.Background(), s.DB,
		fmt.Sprintf("SELECT id, status, next_retry_at FROM _webhook_logs WHERE webhook_id = %s", pb.Add(webhookID)),
		pb.Params()...)
	if err != nil {
		t.Fatalf("load logs: %v", err)
	}
	if len(rows) != 1 || toString(rows[0]["status"]) != "retrying" {
		t.Fatalf("expected one retrying log row, got %+v", rows)
	}
	if toTime(rows[0]["next_retry_at"]) == nil {
		t.Fatal("expected next_retry_at to be scheduled")
	}
	logID := toString(rows[0]["id"])

	// Pull the retry into the past and let the scheduler pick it up.
	pb = s.Dialect.NewParamBuilder()
	if _, err := store.Exec(context.Background(), s.DB,
		fmt.Sprintf("UPDATE _webhook_logs SET next_retry_at = %s WHERE id = %s",
			pb.Add(time.Now().UTC().Add(-time.Minute)), pb.Add(logID)),
		pb.Params()...); err != nil {
		t.Fatalf("rewind retry: %v", err)
	}

	fail = false
	ws.processRetries()

	pb = s.Dialect.NewParamBuilder()
	row, err := store.QueryRow(context.Background(), s.DB,
		fmt.Sprintf("SELECT status, attempt FROM _webhook_logs WHERE id = %s", pb.Add(logID)),
		pb.Params()...)
	if err != nil {
		t.Fatalf("reload log: %v", err)
	}
	if got := toString(row["status"]); got != "delivered" {
		t.Fatalf("expected delivered after retry, got %q", got)
	}
	if got := toInt(row["attempt"]); got != 2 {
		t.Fatalf("expected attempt 2, got %d", got)
	}

	// Success also clears the subscription's failure count.
	if sub := loadSubscription(t, s, webhookID); sub.FailureCount != 0 {
		t.Fatalf("expected failure_count 0, got %d", sub.FailureCount)
	}
}

func TestEventLogger_FlushWritesBatch(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLogger(s, 100, time.Hour)
	defer el.Stop()

	el.Log(EventEntry{InstanceID: "i1", TenantID: testTenantID, EventType: "heartbeat", Message: "one"})
	el.Log(EventEntry{InstanceID: "i1", TenantID: testTenantID, EventType: "disconnected", Severity: SeverityWarning, Message: "two", Details: map[string]any{"reason": "stale"}})
	el.Flush()

	rows, err := store.QueryRows(context.Background(), s.DB,
		"SELECT event_type, severity, details FROM _event_logs ORDER BY event_type")
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 event rows, got %d", len(rows))
	}
	if got := toString(rows[0]["severity"]); got != SeverityWarning {
		t.Fatalf("expected warning severity, got %q", got)
	}
	if got := toString(rows[1]["severity"]); got != SeverityInfo {
		t.Fatalf("expected default info severity, got %q", got)
	}
}

func TestMonitor_RefreshFromStore(t *testing.T) {
	s := newTestStore(t)
	seedInstance(t, s, "i1")

	m := NewMonitor(s, 180*time.Second, time.Hour)
	m.Start()
	defer m.Stop()

	st, err := m.Status("i1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.IsStale {
		t.Fatal("instance without heartbeat should be stale")
	}
	if st.Status != StatusDisconnected {
		t.Fatalf("expected disconnected, got %q", st.Status)
	}

	// Cache misses hit the store, so a new instance is visible immediately.
	seedInstance(t, s, "i2")
	if _, err := m.Status("i2"); err != nil {
		t.Fatalf("status for fresh instance: %v", err)
	}
}
