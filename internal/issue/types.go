// Package issue turns raw provider issues into flat NormalizedIssue records.
package issue

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sentinels substituted for absent upstream data.
const (
	UnknownSentinel      = "Unknown"
	UnassignedSentinel   = "Unassigned"
	NoTeamSentinel       = "No team assigned"
	UnnamedTeam          = "Unnamed team"
	UnnamedTeamInList    = "Unnamed team in list"
	NoSummarySentinel    = "No summary"
	NoDueDateSentinel    = "No due date"
	NoPrioritySentinel   = "No priority"
	NotAvailableSentinel = "N/A"
	ZeroHours            = "0h"
)

// NormalizedIssue is the flat record handed to the queue. Every field is
// always present in its JSON form; absent upstream data becomes a sentinel.
type NormalizedIssue struct {
	Key                 string             `json:"key"`
	Domain              string             `json:"domain"`
	ProjectName         string             `json:"project_name"`
	Team                string             `json:"team"`
	Summary             string             `json:"summary"`
	Assignee            string             `json:"assignee"`
	Reporter            string             `json:"reporter"`
	Labels              []string           `json:"labels"`
	OriginalEstimate    string             `json:"original_estimate"`
	RemainingEstimate   string             `json:"remaining_estimate"`
	TimeLogged          string             `json:"time_logged"`
	WorklogEntries      int                `json:"worklog_entries"`
	Status              string             `json:"status"`
	DueDate             string             `json:"due_date"`
	UpdatedAt           *string            `json:"updated_at"`
	InactivityDays      *int               `json:"inactivity_days"`
	LastStatusChangeAt  *string            `json:"last_status_change_at"`
	DaysInCurrentStatus DaysInStatus       `json:"days_in_current_status"`
	Priority            string             `json:"priority"`
	StatusTransition    []StatusTransition `json:"status_transition,omitempty"`
	Worklog             *Worklog           `json:"worklog,omitempty"`
}

// StatusTransition is the first status change found in an issue's change log.
type StatusTransition struct {
	ChangedAt  string  `json:"changed_at"`
	FromStatus *string `json:"fromStatus"`
	ToStatus   *string `json:"toStatus"`
}

// Worklog carries the worklog that triggered a webhook event.
type Worklog struct {
	ID        string `json:"id,omitempty"`
	Created   string `json:"created,omitempty"`
	Updated   string `json:"updated,omitempty"`
	Started   string `json:"started,omitempty"`
	TimeSpent string `json:"time_spent,omitempty"`
}

// DaysInStatus is a whole number of days, or Unknown when the entry into
// the current status could not be found. It encodes as a JSON number or
// the string "Unknown".
type DaysInStatus struct {
	Days  int
	Known bool
}

// KnownDays returns a known DaysInStatus.
func KnownDays(days int) DaysInStatus {
	if days < 0 {
		days = 0
	}
	return DaysInStatus{Days: days, Known: true}
}

// UnknownDays is the fallback value.
var UnknownDays = DaysInStatus{}

func (d DaysInStatus) String() string {
	if !d.Known {
		return UnknownSentinel
	}
	return fmt.Sprintf("%d", d.Days)
}

func (d DaysInStatus) MarshalJSON() ([]byte, error) {
	if !d.Known {
		return json.Marshal(UnknownSentinel)
	}
	return json.Marshal(d.Days)
}

func (d *DaysInStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != UnknownSentinel {
			return fmt.Errorf("days_in_current_status: unexpected string %q", s)
		}
		*d = UnknownDays
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*d = UnknownDays
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = KnownDays(n)
	return nil
}
