package issue

import (
	"fmt"
	"strings"
)

// WorkingDaySeconds is one working day (8h) used when formatting seconds.
const WorkingDaySeconds = 8 * 3600

// FormatSeconds renders seconds as "<d>d <h>h" with 8-hour days, or "0h"
// for zero and negative values.
func FormatSeconds(seconds int64) string {
	if seconds <= 0 {
		return ZeroHours
	}
	days := seconds / WorkingDaySeconds
	hours := (seconds % WorkingDaySeconds) / 3600
	return fmt.Sprintf("%dd %dh", days, hours)
}

// Estimates holds the three time-tracking strings of an issue.
type Estimates struct {
	Original  string
	Remaining string
	Spent     string
}

// ParseTimeTracking reads the timetracking object. The provider's
// human-readable strings are kept verbatim; when only the *Seconds variant
// is present it is formatted with FormatSeconds. Each field falls back
// independently.
func ParseTimeTracking(raw any) Estimates {
	est := Estimates{
		Original:  NotAvailableSentinel,
		Remaining: NotAvailableSentinel,
		Spent:     ZeroHours,
	}
	tt, ok := raw.(map[string]any)
	if !ok {
		return est
	}
	if v, ok := durationField(tt, "originalEstimate"); ok {
		est.Original = v
	}
	if v, ok := durationField(tt, "remainingEstimate"); ok {
		est.Remaining = v
	}
	if v, ok := durationField(tt, "timeSpent"); ok {
		est.Spent = v
	}
	return est
}

func durationField(tt map[string]any, name string) (string, bool) {
	if s, ok := tt[name].(string); ok && strings.TrimSpace(s) != "" {
		return s, true
	}
	if secs, ok := tt[name+"Seconds"].(float64); ok {
		return FormatSeconds(int64(secs)), true
	}
	return "", false
}
