package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowbit.dev/internal/auth"
	"flowbit.dev/internal/ids"
)

const userColumns = `id, email, password_hash, name, role, customer_id, is_active, refresh_tokens, created_at, updated_at`

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u      auth.User
		role   string
		tokens []byte
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &role, &u.CustomerID, &u.IsActive, &tokens, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	if len(tokens) > 0 {
		if err := json.Unmarshal(tokens, &u.RefreshTokens); err != nil {
			return nil, fmt.Errorf("decode refresh tokens: %w", err)
		}
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = auth.NormalizeEmail(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	tokens, err := json.Marshal(nonNilTokens(u.RefreshTokens))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, name, role, customer_id, is_active, refresh_tokens, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, u.ID, u.Email, u.PasswordHash, u.Name, string(u.Role), u.CustomerID, u.IsActive, tokens, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*auth.User, error) {
	return s.findUser(ctx, `select `+userColumns+` from users where id=$1`, id)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findUser(ctx, `select `+userColumns+` from users where email=$1`, auth.NormalizeEmail(email))
}

func (s *Store) findUser(ctx context.Context, q string, arg string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, q, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, customerID string) ([]auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users where customer_id=$1 order by created_at`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

func (s *Store) CountUsers(ctx context.Context, customerID string) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from users where customer_id=$1`, customerID).Scan(&n)
	return n, err
}

func (s *Store) AppendRefreshToken(ctx context.Context, userID string, tok auth.RefreshToken, max int, notBefore time.Time) error {
	return s.mutateRefreshTokens(ctx, userID, auth.ErrNotFound, func(list []auth.RefreshToken) ([]auth.RefreshToken, bool, error) {
		return auth.PushRefreshToken(list, tok, max, notBefore), true, nil
	})
}

func (s *Store) RotateRefreshToken(ctx context.Context, userID, old string, next auth.RefreshToken, max int, notBefore time.Time) error {
	return s.mutateRefreshTokens(ctx, userID, auth.ErrInvalidRefreshToken, func(list []auth.RefreshToken) ([]auth.RefreshToken, bool, error) {
		remaining, found := auth.RemoveRefreshToken(list, old)
		if !found {
			return nil, false, auth.ErrInvalidRefreshToken
		}
		return auth.PushRefreshToken(remaining, next, max, notBefore), true, nil
	})
}

func (s *Store) RemoveRefreshToken(ctx context.Context, userID, token string) error {
	return s.mutateRefreshTokens(ctx, userID, nil, func(list []auth.RefreshToken) ([]auth.RefreshToken, bool, error) {
		remaining, found := auth.RemoveRefreshToken(list, token)
		return remaining, found, nil
	})
}

// mutateRefreshTokens locks the user row, applies fn and writes the result back
// in one transaction. missing is returned when the user does not exist.
func (s *Store) mutateRefreshTokens(
	ctx context.Context,
	userID string,
	missing error,
	fn func([]auth.RefreshToken) ([]auth.RefreshToken, bool, error),
) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `select refresh_tokens from users where id=$1 for update`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return missing
	}
	if err != nil {
		return err
	}
	var list []auth.RefreshToken
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("decode refresh tokens: %w", err)
		}
	}

	next, changed, err := fn(list)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	encoded, err := json.Marshal(nonNilTokens(next))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update users set refresh_tokens=$2, updated_at=now() where id=$1`, userID, encoded); err != nil {
		return err
	}
	return tx.Commit()
}

func nonNilTokens(list []auth.RefreshToken) []auth.RefreshToken {
	if list == nil {
		return []auth.RefreshToken{}
	}
	return list
}
