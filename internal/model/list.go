package model

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Defaults for a newly created account's default list.
const (
	DefaultListName  = "Reminders"
	DefaultListColor = "#007AFF"
	DefaultListIcon  = "list.bullet"
)

var colorHexPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ReminderList groups reminders. Exactly one list per account has IsDefault set
// and it cannot be deleted. ReminderCount is computed by the server.
type ReminderList struct {
	ID            string  `json:"id"`
	LocalID       *string `json:"localId,omitempty"`
	Name          string  `json:"name"`
	ColorHex      string  `json:"colorHex"`
	IconName      string  `json:"iconName"`
	SortOrder     int     `json:"sortOrder"`
	IsDefault     bool    `json:"isDefault"`
	ReminderCount int     `json:"reminderCount"`
	Version       int64   `json:"version"`
}

func (l *ReminderList) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return errors.New("list name is required")
	}
	if len(l.Name) > MaxTitleLength {
		return fmt.Errorf("list name must be %d characters or less (got %d)", MaxTitleLength, len(l.Name))
	}
	if l.ColorHex != "" && !colorHexPattern.MatchString(l.ColorHex) {
		return fmt.Errorf("invalid color %q (want #RRGGBB)", l.ColorHex)
	}
	return nil
}

// SetDefaults fills in the color and icon when omitted.
func (l *ReminderList) SetDefaults() {
	if l.ColorHex == "" {
		l.ColorHex = DefaultListColor
	}
	if l.IconName == "" {
		l.IconName = DefaultListIcon
	}
}

func (l *ReminderList) Matches(key string) bool {
	if key == "" {
		return false
	}
	return l.ID == key || (l.LocalID != nil && *l.LocalID == key)
}

func (l ReminderList) Clone() ReminderList {
	l.LocalID = cloneString(l.LocalID)
	return l
}

// SortLists orders lists by SortOrder, keeping the input order for ties.
func SortLists(lists []ReminderList) {
	sort.SliceStable(lists, func(i, j int) bool {
		return lists[i].SortOrder < lists[j].SortOrder
	})
}

// User is the signed-in account.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	IsPremium   bool   `json:"isPremium"`
}
