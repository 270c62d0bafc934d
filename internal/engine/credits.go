package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"pulse-backend/internal/metrics"
	"pulse-backend/internal/store"
)

const usageTypeInstanceDaily = "instance_daily"

// Meter charges a tenant's credit balance once per instance per calendar
// day while the instance is connected. The UNIQUE (instance_id, usage_type,
// usage_date) constraint is the idempotency key: the conflict-ignoring
// insert is the atomic check-and-insert, not a check-then-insert race.
type Meter struct {
	store       *store.Store
	events      *EventLogger
	dailyCharge int
}

func NewMeter(s *store.Store, events *EventLogger, dailyCharge int) *Meter {
	return &Meter{store: s, events: events, dailyCharge: dailyCharge}
}

// ChargeDaily debits the fixed daily charge for an instance. Returns false
// when today's usage record already exists (no-op). A usage record whose
// balance debit fails is logged as an inconsistency but not rolled back;
// usage tracking is advisory and the balance saturates at zero.
func (m *Meter) ChargeDaily(ctx context.Context, tenantID, instanceID string, now time.Time) (bool, error) {
	date := now.UTC().Format("2006-01-02")

	pb := m.store.Dialect.NewParamBuilder()
	inserted, err := store.Exec(ctx, m.store.DB,
		fmt.Sprintf(`INSERT INTO _credit_usage (id, tenant_id, instance_id, usage_type, credits, usage_date, description)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)
		 ON CONFLICT (instance_id, usage_type, usage_date) DO NOTHING`,
			pb.Add(uuid.New().String()), pb.Add(tenantID), pb.Add(instanceID),
			pb.Add(usageTypeInstanceDaily), pb.Add(m.dailyCharge), pb.Add(date),
			pb.Add(fmt.Sprintf("daily charge for instance %s on %s", instanceID, date))),
		pb.Params()...)
	if err != nil {
		return false, fmt.Errorf("insert usage record: %w", err)
	}
	if inserted == 0 {
		// Already charged today.
		return false, nil
	}

	// Saturating decrement: the balance never goes negative.
	pb = m.store.Dialect.NewParamBuilder()
	charge := pb.Add(m.dailyCharge)
	updated, err := store.Exec(ctx, m.store.DB,
		fmt.Sprintf(`UPDATE _tenants
		 SET credit_balance = CASE WHEN credit_balance >= %s THEN credit_balance - %s ELSE 0 END
		 WHERE id = %s`, charge, charge, pb.Add(tenantID)),
		pb.Params()...)
	if err != nil || updated == 0 {
		if err == nil {
			err = fmt.Errorf("tenant %s not found", tenantID)
		}
		log.Printf("ERROR: metering inconsistency: usage recorded for instance %s but debit failed: %v", instanceID, err)
		m.events.Log(EventEntry{
			InstanceID: instanceID,
			TenantID:   tenantID,
			EventType:  "metering_inconsistency",
			Severity:   SeverityError,
			Message:    fmt.Sprintf("usage record written for %s but balance debit failed", date),
		})
		return true, nil
	}

	metrics.CreditsChargedTotal.Add(float64(m.dailyCharge))
	m.events.Log(EventEntry{
		InstanceID: instanceID,
		TenantID:   tenantID,
		EventType:  "credit_charge",
		Message:    fmt.Sprintf("charged %d credits for %s", m.dailyCharge, date),
	})
	return true, nil
}
