package engine

import (
	"context"
	"fmt"
	"time"

	"pulse-backend/internal/store"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Instance is a managed messaging-channel connection whose liveness is
// tracked. Rows are created by provisioning and mutated only by the
// heartbeat path; this engine never deletes them.
type Instance struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Name            string     `json:"name"`
	RawStatus       string     `json:"raw_status"`
	EffectiveStatus string     `json:"effective_status"`
	LastHeartbeat   *time.Time `json:"last_heartbeat"`
	PhoneNumber     string     `json:"phone_number"`
}

func instanceFromRow(row map[string]any) *Instance {
	return &Instance{
		ID:              toString(row["id"]),
		TenantID:        toString(row["tenant_id"]),
		Name:            toString(row["name"]),
		RawStatus:       toString(row["raw_status"]),
		EffectiveStatus: toString(row["effective_status"]),
		LastHeartbeat:   toTime(row["last_heartbeat"]),
		PhoneNumber:     toString(row["phone_number"]),
	}
}

const instanceColumns = "id, tenant_id, name, raw_status, effective_status, last_heartbeat, phone_number"

func fetchInstance(ctx context.Context, s *store.Store, q store.Querier, id string) (*Instance, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, q,
		fmt.Sprintf("SELECT %s FROM _instances WHERE id = %s", instanceColumns, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	return instanceFromRow(row), nil
}

func fetchAllInstances(ctx context.Context, s *store.Store) ([]*Instance, error) {
	rows, err := store.QueryRows(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM _instances ORDER BY id", instanceColumns))
	if err != nil {
		return nil, err
	}
	instances := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		instances = append(instances, instanceFromRow(row))
	}
	return instances, nil
}

func insertInstance(ctx context.Context, s *store.Store, inst *Instance) error {
	pb := s.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO _instances (id, tenant_id, name, effective_status, phone_number)
		 VALUES (%s, %s, %s, %s, %s)`,
			pb.Add(inst.ID), pb.Add(inst.TenantID), pb.Add(inst.Name),
			pb.Add(inst.EffectiveStatus), pb.Add(inst.PhoneNumber)),
		pb.Params()...)
	return store.MapError(s.Dialect, err)
}
