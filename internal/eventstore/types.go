package eventstore

import (
	"fmt"
	"strings"

	"github.com/ystv/sports-scores/internal/action"
)

// Team is one side of a covered event.
type Team struct {
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation,omitempty"`
}

// EventMeta is the denormalized metadata for one covered event. It is stored
// separately from the history so metadata edits never re-traverse the action
// log, and external corrections (e.g. a team rename) can be pushed in and
// broadcast without touching the log.
type EventMeta struct {
	ID        string `json:"id"`
	League    string `json:"league"`
	SportType string `json:"type"`
	Name      string `json:"name"`
	// StartTime is the scheduled start in milliseconds since epoch.
	StartTime int64 `json:"startTime"`
	HomeTeam  Team  `json:"homeTeam"`
	AwayTeam  Team  `json:"awayTeam"`
	// Winner is "", "home" or "away".
	Winner string `json:"winner,omitempty"`
}

// Validate checks the common metadata shape.
func (m EventMeta) Validate() error {
	if strings.TrimSpace(m.League) == "" {
		return fmt.Errorf("%w: league is required", ErrValidationFailed)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidationFailed)
	}
	if strings.TrimSpace(m.HomeTeam.Name) == "" || strings.TrimSpace(m.AwayTeam.Name) == "" {
		return fmt.Errorf("%w: both team names are required", ErrValidationFailed)
	}
	switch m.Winner {
	case "", "home", "away":
	default:
		return fmt.Errorf("%w: winner must be \"home\" or \"away\"", ErrValidationFailed)
	}
	return nil
}

// Resolved is the full view of one event at a moment in time: metadata, the
// folded state and the history it was derived from.
type Resolved struct {
	Meta        EventMeta
	State       action.State
	History     []action.Action
	metaVersion int64
	histVersion int64
}

// Merged returns the single merged object exposed on the wire: metadata
// fields with the resolved state laid over them. The two representations
// (merged state vs. raw action stream) are derived from the same fold so
// they can never disagree.
func (r *Resolved) Merged() map[string]any {
	out := map[string]any{
		"id":        r.Meta.ID,
		"league":    r.Meta.League,
		"type":      r.Meta.SportType,
		"name":      r.Meta.Name,
		"startTime": r.Meta.StartTime,
		"homeTeam":  r.Meta.HomeTeam,
		"awayTeam":  r.Meta.AwayTeam,
	}
	if r.Meta.Winner != "" {
		out["winner"] = r.Meta.Winner
	}
	for k, v := range r.State {
		out[k] = v
	}
	return out
}

// Subject builds the opaque subject identifier for a covered event.
func Subject(sportType, id string) string {
	return "Event/" + sportType + "/" + id
}

// ParseSubject splits a subject identifier into its kind, sport type and id.
func ParseSubject(subject string) (kind, sportType, id string, ok bool) {
	parts := strings.SplitN(subject, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// Change is the payload published to the change bus for every accepted
// mutation. State always carries the merged view; Action is set when a
// single action was appended, Actions when the whole log must be replayed
// (redo compaction, resync).
type Change struct {
	Subject string          `json:"subject"`
	State   map[string]any  `json:"state"`
	Action  *action.Action  `json:"action,omitempty"`
	Actions []action.Action `json:"actions,omitempty"`
}
