package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"flowbit.dev/internal/audit"
)

// AuditLog is the audit trail table. It shares the connection pool of Store.
type AuditLog struct {
	db *sql.DB
}

var _ audit.Store = (*AuditLog)(nil)

// Audit returns the audit trail backed by the same database.
func (s *Store) Audit() *AuditLog { return &AuditLog{db: s.db} }

func (s *AuditLog) Append(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs (id, action, user_id, customer_id, resource_type, resource_id, details, ip_address, user_agent, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.Action, e.UserID, e.CustomerID, e.ResourceType, e.ResourceID, raw, e.IPAddress, e.UserAgent, e.CreatedAt)
	return err
}

func (s *AuditLog) List(ctx context.Context, customerID string, offset, limit int) ([]audit.Entry, int, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_logs where customer_id=$1`, customerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, action, user_id, customer_id, resource_type, resource_id, details, ip_address, user_agent, created_at
		from audit_logs
		where customer_id=$1
		order by created_at desc
		limit $2 offset $3
	`, customerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	res := []audit.Entry{}
	for rows.Next() {
		var (
			e   audit.Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.CustomerID, &e.ResourceType, &e.ResourceID, &raw, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Details = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, 0, fmt.Errorf("decode details: %w", err)
			}
		}
		res = append(res, e)
	}
	return res, total, rows.Err()
}
