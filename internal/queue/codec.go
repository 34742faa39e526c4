package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/joltapp/jolt-sync/internal/model"
)

func encode(items []model.QueuedMutation) ([]byte, error) {
	if items == nil {
		items = []model.QueuedMutation{}
	}
	return json.Marshal(items)
}

// decode parses the persisted log record by record. Records that cannot be
// decoded or fail validation are returned as errors in dropped; the rest are
// kept in order. Duplicate ids keep the first occurrence.
func decode(data []byte) (items []model.QueuedMutation, dropped []error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, []error{fmt.Errorf("queue is not a JSON array: %w", err)}
	}

	seen := make(map[string]bool, len(raw))
	for i, rec := range raw {
		var m model.QueuedMutation
		if err := json.Unmarshal(rec, &m); err != nil {
			dropped = append(dropped, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if err := m.Validate(); err != nil {
			dropped = append(dropped, fmt.Errorf("record %d (%s): %w", i, m.ID, err))
			continue
		}
		if seen[m.ID] {
			dropped = append(dropped, fmt.Errorf("record %d: duplicate id %s", i, m.ID))
			continue
		}
		seen[m.ID] = true
		items = append(items, m)
	}
	return items, dropped
}
