package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// Only active and snoozed reminders count towards a list's badge.
const listColumns = `l.id, l.local_id, l.name, l.color_hex, l.icon_name, l.sort_order, l.is_default, l.version,
	(SELECT COUNT(*) FROM reminders r WHERE r.list_id = l.id AND r.status IN ('active', 'snoozed'))`

func scanList(row rowScanner) (model.ReminderList, error) {
	var (
		l       model.ReminderList
		localID sql.NullString
	)
	if err := row.Scan(&l.ID, &localID, &l.Name, &l.ColorHex, &l.IconName, &l.SortOrder,
		&l.IsDefault, &l.Version, &l.ReminderCount); err != nil {
		return model.ReminderList{}, err
	}
	l.LocalID = nullToStr(localID)
	return l, nil
}

func queryLists(ctx context.Context, q querier, userID string) ([]model.ReminderList, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+listColumns+` FROM lists l WHERE l.user_id = ? ORDER BY l.sort_order, l.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()

	out := []model.ReminderList{}
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Lists returns the user's lists ordered by SortOrder.
func (s *Store) Lists(ctx context.Context, userID string) ([]model.ReminderList, error) {
	return queryLists(ctx, s.conn, userID)
}

func findList(ctx context.Context, q querier, userID, key string) (model.ReminderList, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM lists l WHERE l.user_id = ? AND (l.id = ? OR l.local_id = ?)`,
		userID, key, key)
	l, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReminderList{}, fmt.Errorf("list %s: %w", key, transport.ErrNotFound)
	}
	if err != nil {
		return model.ReminderList{}, fmt.Errorf("failed to get list %s: %w", key, err)
	}
	return l, nil
}

func defaultList(ctx context.Context, q querier, userID string) (model.ReminderList, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM lists l WHERE l.user_id = ? AND l.is_default = 1`, userID)
	l, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReminderList{}, fmt.Errorf("default list of %s: %w", userID, transport.ErrNotFound)
	}
	if err != nil {
		return model.ReminderList{}, fmt.Errorf("failed to get default list: %w", err)
	}
	return l, nil
}

// CreateList appends a list. Free accounts are limited to PremiumListLimit
// lists besides the default one.
func (s *Store) CreateList(ctx context.Context, userID string, in model.CreateListInput) (model.ReminderList, error) {
	if err := in.Validate(); err != nil {
		return model.ReminderList{}, invalid(err)
	}
	if in.LocalID == "" {
		return model.ReminderList{}, invalid(errors.New("localId is required"))
	}

	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) (model.ReminderList, error) {
		if existing, err := findList(ctx, tx, userID, in.LocalID); err == nil {
			return existing, nil
		} else if !errors.Is(err, transport.ErrNotFound) {
			return model.ReminderList{}, err
		}

		var premium bool
		if err := tx.QueryRowContext(ctx, `SELECT is_premium FROM users WHERE id = ?`, userID).Scan(&premium); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ReminderList{}, fmt.Errorf("user %s: %w", userID, transport.ErrNotFound)
			}
			return model.ReminderList{}, fmt.Errorf("failed to get user %s: %w", userID, err)
		}

		var custom, maxOrder int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FILTER (WHERE is_default = 0), COALESCE(MAX(sort_order), -1)
			FROM lists WHERE user_id = ?
		`, userID).Scan(&custom, &maxOrder); err != nil {
			return model.ReminderList{}, fmt.Errorf("failed to count lists: %w", err)
		}
		if limit := s.opts.PremiumListLimit; !premium && limit > 0 && custom >= limit {
			return model.ReminderList{}, fmt.Errorf("%w: free accounts may have %d lists", transport.ErrPremiumRequired, limit)
		}

		l := model.ReminderList{
			ID: uuid.NewString(), LocalID: model.StringPtr(in.LocalID), Name: in.Name,
			ColorHex: in.ColorHex, IconName: in.IconName, SortOrder: maxOrder + 1, Version: 1,
		}
		l.SetDefaults()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lists (id, user_id, local_id, name, color_hex, icon_name, sort_order, is_default, version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, ?)
		`, l.ID, userID, in.LocalID, l.Name, l.ColorHex, l.IconName, l.SortOrder, formatTime(s.opts.Now())); err != nil {
			return model.ReminderList{}, fmt.Errorf("failed to insert list: %w", err)
		}
		return l, nil
	})
}

// DeleteListResult is the outcome of DeleteList. Moved holds the reminders
// that were reassigned to the default list.
type DeleteListResult struct {
	Deleted model.DeletedEntity `json:"deleted"`
	Moved   []model.Reminder    `json:"moved,omitempty"`
}

// DeleteList removes a list and moves its reminders to the default list.
// The default list itself cannot be deleted.
func (s *Store) DeleteList(ctx context.Context, userID string, in model.DeleteListInput) (DeleteListResult, error) {
	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) (DeleteListResult, error) {
		l, err := findList(ctx, tx, userID, in.ID)
		if err != nil {
			return DeleteListResult{}, err
		}
		if l.IsDefault {
			return DeleteListResult{}, fmt.Errorf("%w: the default list cannot be deleted", transport.ErrInvalidInput)
		}
		def, err := defaultList(ctx, tx, userID)
		if err != nil {
			return DeleteListResult{}, err
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM reminders WHERE user_id = ? AND list_id = ?`, userID, l.ID)
		if err != nil {
			return DeleteListResult{}, fmt.Errorf("failed to query reminders of list %s: %w", l.ID, err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return DeleteListResult{}, fmt.Errorf("failed to scan reminder id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return DeleteListResult{}, err
		}

		res := DeleteListResult{Deleted: model.DeletedEntity{ID: l.ID}}
		for _, id := range ids {
			r, err := findReminder(ctx, tx, userID, id)
			if err != nil {
				return DeleteListResult{}, err
			}
			r.ListID = model.StringPtr(def.ID)
			if err := s.saveReminder(ctx, tx, &r); err != nil {
				return DeleteListResult{}, err
			}
			res.Moved = append(res.Moved, r)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, l.ID); err != nil {
			return DeleteListResult{}, fmt.Errorf("failed to delete list %s: %w", l.ID, err)
		}
		return res, nil
	})
}

// ReorderLists assigns SortOrder by position in in.IDs. Lists not named keep
// their order. The full list set is returned.
func (s *Store) ReorderLists(ctx context.Context, userID string, in model.ReorderListsInput) ([]model.ReminderList, error) {
	if err := in.Validate(); err != nil {
		return nil, invalid(err)
	}
	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) ([]model.ReminderList, error) {
		for i, key := range in.IDs {
			l, err := findList(ctx, tx, userID, key)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE lists SET sort_order = ?, version = version + 1 WHERE id = ?`, i, l.ID); err != nil {
				return nil, fmt.Errorf("failed to reorder list %s: %w", l.ID, err)
			}
		}
		return queryLists(ctx, tx, userID)
	})
}
