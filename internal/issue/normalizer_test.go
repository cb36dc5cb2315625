package issue

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)

func fullRawIssue() map[string]any {
	return map[string]any{
		"key": "ENG-1",
		"fields": map[string]any{
			"summary":  "Ship the importer",
			"assignee": map[string]any{"displayName": "Ana"},
			"reporter": map[string]any{"displayName": "Bo"},
			"labels":   []any{"backend", "blocker"},
			"timetracking": map[string]any{
				"originalEstimate":  "3d",
				"remainingEstimate": "1d",
				"timeSpent":         "2d",
			},
			"worklog":           map[string]any{"total": float64(4)},
			"status":            map[string]any{"name": "Done"},
			"duedate":           "2024-04-01",
			"updated":           "2024-03-15T08:00:00.000+0000",
			"priority":          map[string]any{"name": "High"},
			"customfield_10500": map[string]any{"name": "Platform"},
		},
		"changelog": sampleChangelog(),
	}
}

func TestNormalize_FullIssue(t *testing.T) {
	got, err := Normalize(fullRawIssue(), Options{
		ProjectName: "Engineering",
		TeamFieldID: "customfield_10500",
		Domain:      "acme.atlassian.net",
		Now:         fixedNow,
	})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	checks := map[string][2]string{
		"key":                {got.Key, "ENG-1"},
		"domain":             {got.Domain, "acme.atlassian.net"},
		"project_name":       {got.ProjectName, "Engineering"},
		"team":               {got.Team, "Platform"},
		"summary":            {got.Summary, "Ship the importer"},
		"assignee":           {got.Assignee, "Ana"},
		"reporter":           {got.Reporter, "Bo"},
		"original_estimate":  {got.OriginalEstimate, "3d"},
		"remaining_estimate": {got.RemainingEstimate, "1d"},
		"time_logged":        {got.TimeLogged, "2d"},
		"status":             {got.Status, "Done"},
		"due_date":           {got.DueDate, "2024-04-01"},
		"priority":           {got.Priority, "High"},
	}
	for field, pair := range checks {
		if pair[0] != pair[1] {
			t.Errorf("%s = %q, expected %q", field, pair[0], pair[1])
		}
	}

	if len(got.Labels) != 2 || got.Labels[1] != "blocker" {
		t.Errorf("labels = %v", got.Labels)
	}
	if got.WorklogEntries != 4 {
		t.Errorf("worklog_entries = %d, expected 4", got.WorklogEntries)
	}
	if got.UpdatedAt == nil || *got.UpdatedAt != "2024-03-15T08:00:00Z" {
		t.Errorf("updated_at = %v", got.UpdatedAt)
	}
	if got.InactivityDays == nil || *got.InactivityDays != 4 {
		t.Errorf("inactivity_days = %v, expected 4", got.InactivityDays)
	}
	if got.LastStatusChangeAt == nil || *got.LastStatusChangeAt != "2024-03-10T12:30:00Z" {
		t.Errorf("last_status_change_at = %v", got.LastStatusChangeAt)
	}
	if !got.DaysInCurrentStatus.Known || got.DaysInCurrentStatus.Days != 9 {
		t.Errorf("days_in_current_status = %v, expected 9", got.DaysInCurrentStatus)
	}
	if len(got.StatusTransition) != 1 || *got.StatusTransition[0].ToStatus != "In Progress" {
		t.Errorf("status_transition = %+v", got.StatusTransition)
	}
}

func TestNormalize_Defaults(t *testing.T) {
	raw := map[string]any{
		"key": "ENG-2",
		"fields": map[string]any{
			"assignee":     nil,
			"reporter":     "not-an-object",
			"labels":       "not-a-list",
			"timetracking": "broken",
			"status":       nil,
		},
	}

	got, err := Normalize(raw, Options{TeamFieldID: "customfield_1", Now: fixedNow})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if got.Assignee != "Unassigned" {
		t.Errorf("assignee = %q, expected Unassigned", got.Assignee)
	}
	if got.Reporter != "Unknown" {
		t.Errorf("reporter = %q, expected Unknown", got.Reporter)
	}
	if got.Labels == nil || len(got.Labels) != 0 {
		t.Errorf("labels = %#v, expected empty non-nil", got.Labels)
	}
	if got.Team != NoTeamSentinel {
		t.Errorf("team = %q", got.Team)
	}
	if got.Summary != NoSummarySentinel {
		t.Errorf("summary = %q", got.Summary)
	}
	if got.ProjectName != UnknownSentinel {
		t.Errorf("project_name = %q", got.ProjectName)
	}
	if got.OriginalEstimate != "N/A" || got.RemainingEstimate != "N/A" || got.TimeLogged != "0h" {
		t.Errorf("estimates = %q/%q/%q", got.OriginalEstimate, got.RemainingEstimate, got.TimeLogged)
	}
	if got.Status != UnknownSentinel {
		t.Errorf("status = %q", got.Status)
	}
	if got.DueDate != NoDueDateSentinel {
		t.Errorf("due_date = %q", got.DueDate)
	}
	if got.Priority != NoPrioritySentinel {
		t.Errorf("priority = %q", got.Priority)
	}
	if got.UpdatedAt != nil || got.InactivityDays != nil {
		t.Error("updated_at and inactivity_days should be null")
	}
	if got.DaysInCurrentStatus.Known {
		t.Error("days_in_current_status should be Unknown")
	}
	if got.StatusTransition != nil {
		t.Error("status_transition should be absent")
	}
}

func TestNormalize_NoTeamFieldIgnoresPayload(t *testing.T) {
	raw := fullRawIssue()
	got, err := Normalize(raw, Options{Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	if got.Team != NoTeamSentinel {
		t.Errorf("team = %q, expected %q without a team field id", got.Team, NoTeamSentinel)
	}
}

func TestNormalize_ProjectNameFromFields(t *testing.T) {
	raw := map[string]any{"key": "X-1", "fields": map[string]any{"project": map[string]any{"name": "Webhooks"}}}
	got, _ := Normalize(raw, Options{Now: fixedNow})
	if got.ProjectName != "Webhooks" {
		t.Errorf("project_name = %q", got.ProjectName)
	}
}

func TestNormalize_UnparseableUpdated(t *testing.T) {
	raw := map[string]any{"key": "X-1", "fields": map[string]any{"updated": "last tuesday"}}
	got, err := Normalize(raw, Options{Now: fixedNow})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.InactivityDays != nil {
		t.Errorf("inactivity_days = %v, expected nil", *got.InactivityDays)
	}
}

func TestNormalize_UpdatedWithoutFraction(t *testing.T) {
	raw := map[string]any{"key": "X-1", "fields": map[string]any{"updated": "2024-03-18T00:00:00+0000"}}
	got, _ := Normalize(raw, Options{Now: fixedNow})
	if got.InactivityDays == nil || *got.InactivityDays != 2 {
		t.Errorf("inactivity_days = %v, expected 2", got.InactivityDays)
	}
}

func TestNormalize_FutureUpdatedClampsToZero(t *testing.T) {
	raw := map[string]any{"key": "X-1", "fields": map[string]any{"updated": "2024-04-01T00:00:00.000+0000"}}
	got, _ := Normalize(raw, Options{Now: fixedNow})
	if got.InactivityDays == nil || *got.InactivityDays != 0 {
		t.Errorf("inactivity_days = %v, expected 0", got.InactivityDays)
	}
}

func TestNormalize_MissingFields(t *testing.T) {
	for _, raw := range []map[string]any{
		{"key": "X-1"},
		{"key": "X-1", "fields": "oops"},
		{"key": "X-1", "fields": nil},
	} {
		if _, err := Normalize(raw, Options{Now: fixedNow}); !errors.Is(err, ErrMissingFields) {
			t.Errorf("Normalize(%v) error = %v, expected ErrMissingFields", raw, err)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	opts := Options{ProjectName: "Engineering", TeamFieldID: "customfield_10500", Now: fixedNow}
	a, _ := Normalize(fullRawIssue(), opts)
	b, _ := Normalize(fullRawIssue(), opts)

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if !bytes.Equal(ja, jb) {
		t.Errorf("outputs differ:\n%s\n%s", ja, jb)
	}
}

func TestNormalize_EveryFieldPresentInJSON(t *testing.T) {
	raw := map[string]any{"fields": map[string]any{}}
	got, _ := Normalize(raw, Options{Now: fixedNow})

	data, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	required := []string{
		"key", "project_name", "team", "summary", "assignee", "reporter", "labels",
		"original_estimate", "remaining_estimate", "time_logged", "status", "due_date",
		"updated_at", "inactivity_days", "last_status_change_at", "days_in_current_status", "priority",
	}
	for _, field := range required {
		if _, ok := decoded[field]; !ok {
			t.Errorf("field %q missing from JSON", field)
		}
	}
	if decoded["days_in_current_status"] != "Unknown" {
		t.Errorf("days_in_current_status = %v, expected \"Unknown\"", decoded["days_in_current_status"])
	}
	if labels, ok := decoded["labels"].([]any); !ok || len(labels) != 0 {
		t.Errorf("labels = %v, expected []", decoded["labels"])
	}
}

func TestDaysInStatus_JSON(t *testing.T) {
	tests := []struct {
		in   DaysInStatus
		json string
	}{
		{KnownDays(3), "3"},
		{KnownDays(0), "0"},
		{UnknownDays, `"Unknown"`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.in)
		if err != nil || string(data) != tt.json {
			t.Errorf("Marshal(%v) = %s, %v; expected %s", tt.in, data, err, tt.json)
		}
		var back DaysInStatus
		if err := json.Unmarshal(data, &back); err != nil || back != tt.in {
			t.Errorf("Unmarshal(%s) = %v, %v", data, back, err)
		}
	}

	var d DaysInStatus
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("expected error for unknown string")
	}
}
