package action

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Reducer applies one domain action to a state and returns the next state.
//
// Reducers must be pure: no clock or randomness beyond values already
// embedded in the action, and no mutation of the input state.
type Reducer func(state State, act Action) (State, error)

// UndoSet computes the set of timestamps currently suppressed by undo
// markers. Undoing an already-undone ts, or redoing a ts that was never
// undone, is a no-op by construction.
func UndoSet(history []Action) map[int64]bool {
	undone := make(map[int64]bool)
	for _, act := range history {
		target, ok := TargetTS(act)
		if !ok {
			continue
		}
		switch act.Type {
		case TypeUndo:
			undone[target] = true
		case TypeRedo:
			delete(undone, target)
		}
	}
	return undone
}

// Annotate returns a copy of the history with meta.undone set from the
// current undo-set. The stored history is never rewritten; suppression is a
// retroactive filter.
func Annotate(history []Action) []Action {
	undone := UndoSet(history)
	out := make([]Action, len(history))
	for i, act := range history {
		act.Meta.Undone = undone[act.Meta.TS]
		out[i] = act
	}
	return out
}

// Resolve folds a history into its current state through the given reducer.
//
// The fold is a pure function of the history and the reducer: undone actions
// are skipped, @@init replaces state wholesale, @@edit shallow-merges its
// payload, undo/redo markers carry no state of their own, and everything
// else is delegated to the reducer.
func Resolve(reduce Reducer, history []Action) (State, error) {
	state := State{}
	for _, act := range Annotate(history) {
		next, err := applyOne(reduce, state, act)
		if err != nil {
			return nil, fmt.Errorf("action ts=%d type=%s: %w", act.Meta.TS, act.Type, err)
		}
		state = next
	}
	return state, nil
}

func applyOne(reduce Reducer, state State, act Action) (State, error) {
	if act.Meta.Undone || Marker(act.Type) {
		return state, nil
	}
	switch act.Type {
	case TypeInit:
		return deepCopy(act.Payload), nil
	case TypeEdit:
		return MergeState(state, act.Payload), nil
	default:
		if reduce == nil {
			return nil, fmt.Errorf("no reducer for domain action")
		}
		return reduce(state, act)
	}
}

// MergeState returns a new state with the patch shallow-merged over base.
// Neither input is mutated.
func MergeState(base, patch State) State {
	out := deepCopy(base)
	if out == nil {
		out = State{}
	}
	for k, v := range patch {
		out[k] = copyValue(v)
	}
	return out
}

// DiffState returns the top-level keys of proposed whose values differ from
// current. Unchanged fields are never captured into an @@edit payload; this
// keeps earlier actions that set those fields undoable.
//
// Numbers compare by value across Go types: a caller passing int 1 against a
// stored float64 1 (every JSON round trip yields float64) is not a change.
func DiffState(current, proposed State) State {
	delta := State{}
	for k, v := range proposed {
		cur, ok := current[k]
		if !ok || !valueEqual(cur, v) {
			delta[k] = copyValue(v)
		}
	}
	return delta
}

func valueEqual(a, b any) bool {
	af, aok := numericValue(a)
	bf, bok := numericValue(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
