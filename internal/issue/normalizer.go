package issue

import (
	"errors"
	"fmt"
	"time"

	"github.com/huangang/issuesentry/pkg/logger"
)

// ErrMissingFields means the raw issue has no "fields" object; callers skip it.
var ErrMissingFields = errors.New("issue has no fields container")

// Options carries the per-call context of Normalize.
type Options struct {
	ProjectName string // falls back to fields.project.name
	TeamFieldID string // "" when no team field was discovered
	Domain      string
	Now         time.Time
	// EventTime stamps webhook change-log items, which carry no timestamp.
	EventTime time.Time
	Worklog   *Worklog
}

// Normalize maps raw into a NormalizedIssue. It is a pure function of its
// inputs: absent or malformed optional fields become sentinels and only a
// missing fields container is reported, as ErrMissingFields.
func Normalize(raw map[string]any, opts Options) (*NormalizedIssue, error) {
	fields, ok := raw["fields"].(map[string]any)
	if !ok {
		return nil, ErrMissingFields
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	key := stringOr(raw["key"], "")

	estimates := ParseTimeTracking(fields["timetracking"])
	status := nestedString(fields["status"], "name", UnknownSentinel)

	out := &NormalizedIssue{
		Key:                 key,
		Domain:              opts.Domain,
		ProjectName:         projectName(opts.ProjectName, fields),
		Team:                resolveTeam(fields, opts.TeamFieldID),
		Summary:             stringOr(fields["summary"], NoSummarySentinel),
		Assignee:            nestedString(fields["assignee"], "displayName", UnassignedSentinel),
		Reporter:            nestedString(fields["reporter"], "displayName", UnknownSentinel),
		Labels:              parseLabels(fields["labels"]),
		OriginalEstimate:    estimates.Original,
		RemainingEstimate:   estimates.Remaining,
		TimeLogged:          estimates.Spent,
		WorklogEntries:      worklogTotal(fields["worklog"]),
		Status:              status,
		DueDate:             stringOr(fields["duedate"], NoDueDateSentinel),
		Priority:            nestedString(fields["priority"], "name", NoPrioritySentinel),
		DaysInCurrentStatus: UnknownDays,
		Worklog:             opts.Worklog,
	}

	if updatedRaw, ok := fields["updated"].(string); ok && updatedRaw != "" {
		if updated, ok := ParseTimestamp(updatedRaw); ok {
			iso := updated.Format(time.RFC3339)
			days := wholeDays(now.Sub(updated))
			out.UpdatedAt = &iso
			out.InactivityDays = &days
		} else {
			logger.Warn().
				Str("key", key).
				Str("updated", updatedRaw).
				Msg("[Normalizer] unparseable updated timestamp, inactivity left empty")
		}
	}

	entries := ParseChangelog(raw["changelog"], opts.EventTime)
	if ts, days := CurrentStatusEntryTime(entries, status, now); ts != nil {
		iso := ts.Format(time.RFC3339)
		out.LastStatusChangeAt = &iso
		out.DaysInCurrentStatus = days
	}
	if first := FirstStatusTransition(entries); first != nil {
		out.StatusTransition = []StatusTransition{*first}
	}

	return out, nil
}

func resolveTeam(fields map[string]any, teamFieldID string) string {
	if teamFieldID == "" {
		return NoTeamSentinel
	}
	return ParseTeam(fields[teamFieldID]).Display()
}

func projectName(given string, fields map[string]any) string {
	if given != "" {
		return given
	}
	return nestedString(fields["project"], "name", UnknownSentinel)
}

func parseLabels(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return []string{}
	}
	labels := make([]string, 0, len(list))
	for _, l := range list {
		if s, ok := l.(string); ok {
			labels = append(labels, s)
			continue
		}
		if l != nil {
			labels = append(labels, fmt.Sprint(l))
		}
	}
	return labels
}

func worklogTotal(raw any) int {
	wl, ok := raw.(map[string]any)
	if !ok {
		return 0
	}
	if total, ok := wl["total"].(float64); ok && total > 0 {
		return int(total)
	}
	return 0
}

func nestedString(raw any, key, fallback string) string {
	obj, ok := raw.(map[string]any)
	if !ok {
		return fallback
	}
	return stringOr(obj[key], fallback)
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
