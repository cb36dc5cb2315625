package issue

import "testing"

func TestParseTeam(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		kind    TeamKind
		display string
	}{
		{"object", map[string]any{"name": "Platform", "id": "7"}, TeamNamed, "Platform"},
		{"object without name", map[string]any{"id": "7"}, TeamNamed, UnnamedTeam},
		{"list of objects", []any{map[string]any{"name": "Core"}, map[string]any{"name": "Web"}}, TeamListOfNamed, "Core"},
		{"list object without name", []any{map[string]any{"id": "1"}}, TeamListOfNamed, UnnamedTeamInList},
		{"list of strings", []any{"Mobile", "Web"}, TeamListOfNamed, "Mobile"},
		{"list of numbers", []any{float64(42)}, TeamListOfNamed, "42"},
		{"empty list", []any{}, TeamNone, NoTeamSentinel},
		{"string", "Data", TeamNamed, "Data"},
		{"empty string", "", TeamNone, NoTeamSentinel},
		{"nil", nil, TeamNone, NoTeamSentinel},
		{"number", float64(3), TeamNone, NoTeamSentinel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseTeam(tt.raw)
			if v.Kind != tt.kind {
				t.Errorf("Kind = %v, expected %v", v.Kind, tt.kind)
			}
			if got := v.Display(); got != tt.display {
				t.Errorf("Display() = %q, expected %q", got, tt.display)
			}
		})
	}
}

func TestParseTeam_ListKeepsAllNames(t *testing.T) {
	v := ParseTeam([]any{map[string]any{"name": "A"}, "B"})
	if len(v.Names) != 2 || v.Names[0] != "A" || v.Names[1] != "B" {
		t.Errorf("Names = %v", v.Names)
	}
}
