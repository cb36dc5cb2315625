package issue

import (
	"fmt"
	"strings"
)

// TeamKind tags a TeamValue.
type TeamKind int

const (
	TeamNone TeamKind = iota
	TeamNamed
	TeamListOfNamed
)

// TeamValue is the team custom field resolved into one of three shapes.
type TeamValue struct {
	Kind  TeamKind
	Name  string   // TeamNamed
	Names []string // TeamListOfNamed, in field order
}

// ParseTeam resolves the raw team field value.
//
//	object          -> Named(name), "Unnamed team" when it has none
//	non-empty list  -> ListOfNamed; objects contribute their name
//	                   ("Unnamed team in list" when missing), others their string form
//	non-empty string-> Named(itself)
//	anything else   -> None
func ParseTeam(raw any) TeamValue {
	switch v := raw.(type) {
	case map[string]any:
		return TeamValue{Kind: TeamNamed, Name: nameOr(v, UnnamedTeam)}
	case []any:
		if len(v) == 0 {
			return TeamValue{Kind: TeamNone}
		}
		names := make([]string, 0, len(v))
		for _, elem := range v {
			if obj, ok := elem.(map[string]any); ok {
				names = append(names, nameOr(obj, UnnamedTeamInList))
				continue
			}
			names = append(names, fmt.Sprint(elem))
		}
		return TeamValue{Kind: TeamListOfNamed, Names: names}
	case string:
		if strings.TrimSpace(v) == "" {
			return TeamValue{Kind: TeamNone}
		}
		return TeamValue{Kind: TeamNamed, Name: v}
	default:
		return TeamValue{Kind: TeamNone}
	}
}

// Display returns the single team name stored on a NormalizedIssue.
func (t TeamValue) Display() string {
	switch t.Kind {
	case TeamNamed:
		return t.Name
	case TeamListOfNamed:
		if len(t.Names) > 0 {
			return t.Names[0]
		}
	}
	return NoTeamSentinel
}

func nameOr(obj map[string]any, fallback string) string {
	if name, ok := obj["name"].(string); ok && name != "" {
		return name
	}
	return fallback
}
