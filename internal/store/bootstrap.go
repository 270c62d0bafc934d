package store

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Bootstrap creates the engine tables and seeds a default tenant/admin
// user on first run.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if s.Dialect.SupportsNotify() {
		if _, err := s.DB.ExecContext(ctx, pgNotifyTriggerSQL); err != nil {
			return fmt.Errorf("bootstrap notify trigger: %w", err)
		}
	}
	if err := s.seedDefaults(ctx); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	return nil
}

func (s *Store) seedDefaults(ctx context.Context) error {
	var count int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	tenantID := uuid.New().String()
	pb := s.Dialect.NewParamBuilder()
	_, err = s.DB.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO _tenants (id, name, credit_balance) VALUES (%s, %s, %s)`,
			pb.Add(tenantID), pb.Add("default"), pb.Add(1000)),
		pb.Params()...)
	if err != nil {
		return err
	}

	pb = s.Dialect.NewParamBuilder()
	_, err = s.DB.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO _users (id, tenant_id, email, password_hash, roles) VALUES (%s, %s, %s, %s, %s)`,
			pb.Add(uuid.New().String()), pb.Add(tenantID), pb.Add("admin@localhost"),
			pb.Add(string(hashBytes)), pb.Add(`["admin"]`)),
		pb.Params()...)
	if err != nil {
		return err
	}

	log.Println("WARNING: Default admin user created (admin@localhost / changeme), change the password immediately.")
	return nil
}
