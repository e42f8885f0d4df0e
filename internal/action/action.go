package action

import "encoding/json"

// Reserved action types. Everything else is a sport-specific domain action.
const (
	// TypeInit carries the full initial state as its payload.
	TypeInit = "@@init"
	// TypeEdit carries a partial-state patch (shallow merge).
	TypeEdit = "@@edit"
	// TypeUndo suppresses the action whose meta.ts matches payload.ts.
	TypeUndo = "@@undo"
	// TypeRedo lifts the suppression added by a matching @@undo.
	TypeRedo = "@@redo"
)

// State is the resolved event state, keyed by top-level field name.
type State = map[string]any

// Meta is the bookkeeping attached to every logged action.
type Meta struct {
	// TS is a wall-clock-derived logical timestamp assigned at creation.
	// It is the action's identity for undo/redo targeting and must be
	// unique within one history.
	TS int64 `json:"ts"`
	// Undone marks the action as currently suppressed by an undo. It is
	// derived from the history on every fold, never persisted as truth.
	Undone bool `json:"undone,omitempty"`
}

// Action is one discrete, timestamped state transition in an event history.
type Action struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Meta    Meta           `json:"meta"`
}

// Internal reports whether the action is one of the reserved log-control
// types that must not be targeted by undo.
func Internal(typ string) bool {
	return typ == TypeInit || typ == TypeEdit
}

// Marker reports whether the action is an undo/redo marker.
func Marker(typ string) bool {
	return typ == TypeUndo || typ == TypeRedo
}

// NewInit builds the initial action for a fresh history.
func NewInit(state State, ts int64) Action {
	return Action{Type: TypeInit, Payload: deepCopy(state), Meta: Meta{TS: ts}}
}

// NewEdit builds a partial-state patch action.
func NewEdit(delta State, ts int64) Action {
	return Action{Type: TypeEdit, Payload: deepCopy(delta), Meta: Meta{TS: ts}}
}

// NewUndo builds an undo marker targeting the action with the given ts.
func NewUndo(target, ts int64) Action {
	return Action{Type: TypeUndo, Payload: State{"ts": target}, Meta: Meta{TS: ts}}
}

// NewRedo builds a redo marker targeting the action with the given ts.
func NewRedo(target, ts int64) Action {
	return Action{Type: TypeRedo, Payload: State{"ts": target}, Meta: Meta{TS: ts}}
}

// TargetTS extracts the undo/redo target timestamp from a marker payload.
//
// Histories round-trip through JSON, so the value may arrive as several
// numeric types.
func TargetTS(act Action) (int64, bool) {
	if !Marker(act.Type) {
		return 0, false
	}
	raw, ok := act.Payload["ts"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// deepCopy clones JSON-shaped values so that folds never alias stored
// payloads.
func deepCopy(v State) State {
	if v == nil {
		return nil
	}
	out := make(State, len(v))
	for k, val := range v {
		out[k] = copyValue(val)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopy(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
