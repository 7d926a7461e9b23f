package sqlstore

import (
	"context"
	"strings"
	"time"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/xid"
)

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	user.Active = true
	user.CreatedAt = utc(user.CreatedAt)
	return s.named(ctx, `INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES (:username, :password_hash, :role, :active, :created_at)`, user)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 8)
	err := s.all(ctx, &users, `SELECT username, password_hash, role, active, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUserPassword stores an already hashed password.
func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	n, err := s.exec(ctx, `UPDATE users SET password_hash = ? WHERE username = ?`, password, username)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	entry.CreatedAt = utc(entry.CreatedAt)
	return s.named(ctx, `INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)`, entry)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	query := `SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs WHERE created_at >= ? AND created_at < ? ORDER BY created_at DESC, id DESC`
	args := []any{from.UTC(), to.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	out := make([]domain.AuditLog, 0, 64)
	if err := s.all(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}
