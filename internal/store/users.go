package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// CreateUser registers an account authenticated by token and gives it its
// default list. An empty u.ID is generated.
func (s *Store) CreateUser(ctx context.Context, u model.User, token string) (model.User, error) {
	if strings.TrimSpace(u.Email) == "" {
		return model.User{}, invalid(errors.New("email is required"))
	}
	if token == "" {
		return model.User{}, invalid(errors.New("token is required"))
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	return apply(ctx, s, u.ID, "", func(tx *sql.Tx) (model.User, error) {
		now := formatTime(s.opts.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, email, display_name, is_premium, token, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, u.ID, u.Email, u.DisplayName, u.IsPremium, token, now); err != nil {
			return model.User{}, fmt.Errorf("failed to create user %s: %w", u.Email, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lists (id, user_id, name, color_hex, icon_name, sort_order, is_default, version, created_at)
			VALUES (?, ?, ?, ?, ?, 0, 1, 1, ?)
		`, uuid.NewString(), u.ID, model.DefaultListName, model.DefaultListColor, model.DefaultListIcon, now); err != nil {
			return model.User{}, fmt.Errorf("failed to create default list for %s: %w", u.Email, err)
		}
		return u, nil
	})
}

// UserByToken authenticates a connection. Unknown tokens are ErrUnauthorized.
func (s *Store) UserByToken(ctx context.Context, token string) (model.User, error) {
	if token == "" {
		return model.User{}, transport.ErrUnauthorized
	}
	var u model.User
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, email, display_name, is_premium FROM users WHERE token = ?`, token,
	).Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsPremium)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, transport.ErrUnauthorized
	}
	if err != nil {
		return model.User{}, fmt.Errorf("failed to look up token: %w", err)
	}
	return u, nil
}

// User returns the account with the given id.
func (s *Store) User(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, email, display_name, is_premium FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsPremium)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", id, transport.ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return u, nil
}

// SetPremium toggles the account's premium flag.
func (s *Store) SetPremium(ctx context.Context, userID string, premium bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.conn.ExecContext(ctx, `UPDATE users SET is_premium = ? WHERE id = ?`, premium, userID)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, transport.ErrNotFound)
	}
	return nil
}
