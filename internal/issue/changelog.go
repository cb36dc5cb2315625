package issue

import (
	"strings"
	"time"
)

// ChangeLogEntry is one field transition from an issue's audit log.
type ChangeLogEntry struct {
	Timestamp time.Time // zero when the provider timestamp did not parse
	Created   string    // provider timestamp as sent
	Field     string
	FromValue *string
	ToValue   *string
}

// Provider timestamp layouts, with and without sub-second precision.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	time.RFC3339,
}

// ParseTimestamp parses a provider timestamp.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseChangelog flattens a change log into chronological entries.
//
// Two shapes are accepted: the REST form {"histories":[{"created","items"}]}
// and the webhook form {"items":[...]} which has no per-entry timestamp;
// webhook items are stamped with eventTime. Malformed parts are skipped.
func ParseChangelog(raw any, eventTime time.Time) []ChangeLogEntry {
	changelog, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	var entries []ChangeLogEntry
	if histories, ok := changelog["histories"].([]any); ok {
		for _, h := range histories {
			history, ok := h.(map[string]any)
			if !ok {
				continue
			}
			created, _ := history["created"].(string)
			ts, _ := ParseTimestamp(created)
			entries = appendItems(entries, history["items"], ts, created)
		}
		return entries
	}

	created := ""
	if !eventTime.IsZero() {
		created = eventTime.Format("2006-01-02T15:04:05.000-0700")
	}
	return appendItems(entries, changelog["items"], eventTime, created)
}

func appendItems(entries []ChangeLogEntry, raw any, ts time.Time, created string) []ChangeLogEntry {
	items, ok := raw.([]any)
	if !ok {
		return entries
	}
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		field, _ := item["field"].(string)
		entries = append(entries, ChangeLogEntry{
			Timestamp: ts,
			Created:   created,
			Field:     field,
			FromValue: optionalString(item["fromString"]),
			ToValue:   optionalString(item["toString"]),
		})
	}
	return entries
}

// CurrentStatusEntryTime finds, scanning newest first, the entry that moved
// the issue into currentStatus, and the whole days elapsed since then.
// Entries with an unparseable timestamp are skipped. It returns
// (nil, UnknownDays) when no usable entry exists.
func CurrentStatusEntryTime(entries []ChangeLogEntry, currentStatus string, now time.Time) (*time.Time, DaysInStatus) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !isStatusField(e.Field) || e.ToValue == nil || *e.ToValue != currentStatus {
			continue
		}
		if e.Timestamp.IsZero() {
			continue
		}
		ts := e.Timestamp
		return &ts, KnownDays(wholeDays(now.Sub(ts)))
	}
	return nil, UnknownDays
}

// FirstStatusTransition returns the earliest status entry in log order.
func FirstStatusTransition(entries []ChangeLogEntry) *StatusTransition {
	for _, e := range entries {
		if !isStatusField(e.Field) {
			continue
		}
		return &StatusTransition{
			ChangedAt:  e.Created,
			FromStatus: e.FromValue,
			ToStatus:   e.ToValue,
		}
	}
	return nil
}

func isStatusField(field string) bool {
	return strings.EqualFold(field, "status")
}

func wholeDays(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func optionalString(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
