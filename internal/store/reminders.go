package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const reminderColumns = `id, list_id, local_id, title, notes, priority, due_at, all_day,
	recurrence_rule, status, snoozed_until, snooze_count, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (model.Reminder, error) {
	var (
		r                        model.Reminder
		listID, localID, notes   sql.NullString
		dueAt, rule, snoozedTill sql.NullString
		status                   string
		createdAt, updatedAt     string
	)
	if err := row.Scan(&r.ID, &listID, &localID, &r.Title, &notes, &r.Priority, &dueAt, &r.AllDay,
		&rule, &status, &snoozedTill, &r.SnoozeCount, &r.Version, &createdAt, &updatedAt); err != nil {
		return model.Reminder{}, err
	}
	r.ListID = nullToStr(listID)
	r.LocalID = nullToStr(localID)
	r.Notes = nullToStr(notes)
	r.RecurrenceRule = nullToStr(rule)
	r.Status = model.Status(status)

	var err error
	if r.DueAt, err = nullToTime(dueAt); err != nil {
		return model.Reminder{}, err
	}
	if r.SnoozedUntil, err = nullToTime(snoozedTill); err != nil {
		return model.Reminder{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return model.Reminder{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return model.Reminder{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return r, nil
}

// Reminders returns every reminder of the user, oldest first.
func (s *Store) Reminders(ctx context.Context, userID string) ([]model.Reminder, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	out := []model.Reminder{}
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// findReminder resolves key as a server id or a client local id.
func findReminder(ctx context.Context, q querier, userID, key string) (model.Reminder, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? AND (id = ? OR local_id = ?)`,
		userID, key, key)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reminder{}, fmt.Errorf("reminder %s: %w", key, transport.ErrNotFound)
	}
	if err != nil {
		return model.Reminder{}, fmt.Errorf("failed to get reminder %s: %w", key, err)
	}
	return r, nil
}

// checkReminder loads the reminder and enforces the expected version.
// expected 0 skips the check.
func checkReminder(ctx context.Context, q querier, userID, key string, expected int64) (model.Reminder, error) {
	r, err := findReminder(ctx, q, userID, key)
	if err != nil {
		return model.Reminder{}, err
	}
	if expected > 0 && expected != r.Version {
		return model.Reminder{}, &transport.ConflictError{EntityID: r.ID, ServerVersion: r.Version, LocalVersion: expected}
	}
	return r, nil
}

// saveReminder writes every mutable column and bumps the version.
func (s *Store) saveReminder(ctx context.Context, q querier, r *model.Reminder) error {
	r.Version++
	r.UpdatedAt = s.opts.Now().UTC()
	_, err := q.ExecContext(ctx, `
		UPDATE reminders SET
			list_id = ?, title = ?, notes = ?, priority = ?, due_at = ?, all_day = ?,
			recurrence_rule = ?, status = ?, snoozed_until = ?, snooze_count = ?,
			version = ?, updated_at = ?
		WHERE id = ?
	`, strToNull(r.ListID), r.Title, strToNull(r.Notes), r.Priority, timeToNull(r.DueAt), r.AllDay,
		strToNull(r.RecurrenceRule), string(r.Status), timeToNull(r.SnoozedUntil), r.SnoozeCount,
		r.Version, formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update reminder %s: %w", r.ID, err)
	}
	return nil
}

// resolveListID maps a list key (server or local id) to the server id. Nil
// selects the default list.
func resolveListID(ctx context.Context, q querier, userID string, key *string) (string, error) {
	if key == nil || *key == "" {
		l, err := defaultList(ctx, q, userID)
		if err != nil {
			return "", err
		}
		return l.ID, nil
	}
	l, err := findList(ctx, q, userID, *key)
	if err != nil {
		return "", err
	}
	return l.ID, nil
}

// CreateReminder inserts a reminder. A create whose LocalID already exists
// returns the existing reminder.
func (s *Store) CreateReminder(ctx context.Context, userID string, in model.CreateReminderInput) (model.Reminder, error) {
	if err := in.Validate(); err != nil {
		return model.Reminder{}, invalid(err)
	}
	if in.LocalID == "" {
		return model.Reminder{}, invalid(errors.New("localId is required"))
	}

	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) (model.Reminder, error) {
		if existing, err := findReminder(ctx, tx, userID, in.LocalID); err == nil {
			return existing, nil
		} else if !errors.Is(err, transport.ErrNotFound) {
			return model.Reminder{}, err
		}

		listID, err := resolveListID(ctx, tx, userID, in.ListID)
		if err != nil {
			return model.Reminder{}, err
		}
		rule := in.RecurrenceRule
		if rule != nil && *rule == "" {
			rule = nil
		}
		now := s.opts.Now().UTC()
		r := model.Reminder{
			ID: uuid.NewString(), ListID: &listID, Title: in.Title, Notes: in.Notes,
			Priority: in.Priority, DueAt: in.DueAt, AllDay: in.AllDay, RecurrenceRule: rule,
			Status: model.StatusActive, LocalID: model.StringPtr(in.LocalID), Version: 1,
			CreatedAt: now, UpdatedAt: now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reminders (id, user_id, list_id, local_id, title, notes, priority, due_at, all_day,
				recurrence_rule, status, snoozed_until, snooze_count, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, 1, ?, ?)
		`, r.ID, userID, listID, in.LocalID, r.Title, strToNull(r.Notes), r.Priority, timeToNull(r.DueAt),
			r.AllDay, strToNull(r.RecurrenceRule), string(r.Status), formatTime(now), formatTime(now))
		if err != nil {
			return model.Reminder{}, fmt.Errorf("failed to insert reminder: %w", err)
		}
		return r, nil
	})
}

// UpdateReminder applies a patch.
func (s *Store) UpdateReminder(ctx context.Context, userID string, in model.UpdateReminderInput) (model.Reminder, error) {
	if err := in.Patch.Validate(); err != nil {
		return model.Reminder{}, invalid(err)
	}

	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) (model.Reminder, error) {
		r, err := checkReminder(ctx, tx, userID, in.ID, in.ExpectedVersion)
		if err != nil {
			return model.Reminder{}, err
		}
		patch := in.Patch
		if patch.ListID != nil {
			listID, err := resolveListID(ctx, tx, userID, patch.ListID)
			if err != nil {
				return model.Reminder{}, err
			}
			patch.ListID = &listID
		}
		patch.Apply(&r)
		if err := s.saveReminder(ctx, tx, &r); err != nil {
			return model.Reminder{}, err
		}
		return r, nil
	})
}

// DeleteReminder removes a reminder.
func (s *Store) DeleteReminder(ctx context.Context, userID string, in model.ReminderRef) (model.DeletedEntity, error) {
	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) (model.DeletedEntity, error) {
		r, err := checkReminder(ctx, tx, userID, in.ID, in.ExpectedVersion)
		if err != nil {
			return model.DeletedEntity{}, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, r.ID); err != nil {
			return model.DeletedEntity{}, fmt.Errorf("failed to delete reminder %s: %w", r.ID, err)
		}
		return model.DeletedEntity{ID: r.ID}, nil
	})
}

// CompleteReminder marks a reminder completed. A recurring reminder with a
// due date instead advances to its next occurrence and stays active.
func (s *Store) CompleteReminder(ctx context.Context, userID string, in model.ReminderRef) (model.Reminder, error) {
	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) (model.Reminder, error) {
		r, err := checkReminder(ctx, tx, userID, in.ID, in.ExpectedVersion)
		if err != nil {
			return model.Reminder{}, err
		}
		r.SnoozedUntil = nil
		if r.RecurrenceRule != nil && r.DueAt != nil {
			rule, err := model.ParseRule(*r.RecurrenceRule)
			if err != nil {
				return model.Reminder{}, invalid(err)
			}
			next := rule.Next(*r.DueAt, s.opts.Now())
			r.DueAt = &next
			r.Status = model.StatusActive
		} else {
			r.Status = model.StatusCompleted
		}
		if err := s.saveReminder(ctx, tx, &r); err != nil {
			return model.Reminder{}, err
		}
		return r, nil
	})
}

// DismissReminder hides a reminder without completing it.
func (s *Store) DismissReminder(ctx context.Context, userID string, in model.ReminderRef) (model.Reminder, error) {
	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) (model.Reminder, error) {
		r, err := checkReminder(ctx, tx, userID, in.ID, in.ExpectedVersion)
		if err != nil {
			return model.Reminder{}, err
		}
		r.Status = model.StatusDismissed
		r.SnoozedUntil = nil
		if err := s.saveReminder(ctx, tx, &r); err != nil {
			return model.Reminder{}, err
		}
		return r, nil
	})
}

// SnoozeReminder hides a reminder for the given number of minutes.
func (s *Store) SnoozeReminder(ctx context.Context, userID string, in model.SnoozeReminderInput) (model.Reminder, error) {
	if err := in.Validate(); err != nil {
		return model.Reminder{}, invalid(err)
	}
	return apply(ctx, s, userID, in.MutationID, func(tx *sql.Tx) (model.Reminder, error) {
		r, err := checkReminder(ctx, tx, userID, in.ID, in.ExpectedVersion)
		if err != nil {
			return model.Reminder{}, err
		}
		until := s.opts.Now().UTC().Add(time.Duration(in.Minutes) * time.Minute)
		r.Status = model.StatusSnoozed
		r.SnoozedUntil = &until
		r.SnoozeCount++
		if err := s.saveReminder(ctx, tx, &r); err != nil {
			return model.Reminder{}, err
		}
		return r, nil
	})
}

// WakeSnoozed returns reminders whose snooze has expired to active and
// reports them. The server calls it periodically.
func (s *Store) WakeSnoozed(ctx context.Context) (map[string][]model.Reminder, error) {
	return apply(ctx, s, "", "", func(tx *sql.Tx) (map[string][]model.Reminder, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT user_id, id FROM reminders WHERE status = ? AND snoozed_until <= ?`,
			string(model.StatusSnoozed), formatTime(s.opts.Now()))
		if err != nil {
			return nil, fmt.Errorf("failed to query snoozed reminders: %w", err)
		}
		type owned struct{ userID, id string }
		var due []owned
		for rows.Next() {
			var o owned
			if err := rows.Scan(&o.userID, &o.id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan snoozed reminder: %w", err)
			}
			due = append(due, o)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}

		woken := make(map[string][]model.Reminder)
		for _, o := range due {
			r, err := findReminder(ctx, tx, o.userID, o.id)
			if err != nil {
				return nil, err
			}
			r.Status = model.StatusActive
			r.SnoozedUntil = nil
			if err := s.saveReminder(ctx, tx, &r); err != nil {
				return nil, err
			}
			woken[o.userID] = append(woken[o.userID], r)
		}
		return woken, nil
	})
}
