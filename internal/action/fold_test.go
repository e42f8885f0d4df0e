package action

import (
	"reflect"
	"testing"
)

// increment is the reducer used throughout: it adds one to state["value"]
// for every "increment" action.
func increment(state State, act Action) (State, error) {
	if act.Type != "increment" {
		return state, nil
	}
	next := MergeState(state, nil)
	next["value"] = asInt(next["value"]) + 1
	return next, nil
}

func asInt(v any) int {
	switch tv := v.(type) {
	case int:
		return tv
	case int64:
		return int(tv)
	case float64:
		return int(tv)
	default:
		return 0
	}
}

func value(t *testing.T, history []Action) int {
	t.Helper()
	state, err := Resolve(increment, history)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	return asInt(state["value"])
}

func inc(ts int64) Action {
	return Action{Type: "increment", Meta: Meta{TS: ts}}
}

func TestResolveInitOnly(t *testing.T) {
	history := []Action{NewInit(State{"value": 0}, 100)}
	if got := value(t, history); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	history := []Action{NewInit(State{"value": 0}, 100), inc(101)}
	if got := value(t, history); got != 1 {
		t.Fatalf("after increment: expected 1, got %d", got)
	}

	history = append(history, NewUndo(101, 102))
	if got := value(t, history); got != 0 {
		t.Fatalf("after undo: expected 0, got %d", got)
	}

	history = append(history, NewRedo(101, 103))
	if got := value(t, history); got != 1 {
		t.Fatalf("after redo: expected 1, got %d", got)
	}
}

func TestOutOfOrderUndo(t *testing.T) {
	history := []Action{
		NewInit(State{"value": 0}, 100),
		inc(101),
		inc(102),
		NewUndo(101, 103),
	}
	// Only t1's effect is removed; t2 still applies on the altered baseline.
	if got := value(t, history); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestDoubleUndo(t *testing.T) {
	history := []Action{
		NewInit(State{"value": 0}, 100),
		inc(101),
		inc(102),
		NewUndo(101, 103),
		NewUndo(102, 104),
	}
	if got := value(t, history); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestRepeatedUndoIsIdempotent(t *testing.T) {
	history := []Action{
		NewInit(State{"value": 0}, 100),
		inc(101),
		NewUndo(101, 102),
		NewUndo(101, 103),
	}
	if got := value(t, history); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	// Redo once lifts the suppression even though two undos were logged.
	history = append(history, NewRedo(101, 104))
	if got := value(t, history); got != 1 {
		t.Fatalf("after redo: expected 1, got %d", got)
	}
}

func TestRedoWithoutUndoIsNoOp(t *testing.T) {
	history := []Action{
		NewInit(State{"value": 0}, 100),
		inc(101),
		NewRedo(101, 102),
	}
	if got := value(t, history); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestOutOfOrderRedo(t *testing.T) {
	history := []Action{
		NewInit(State{"value": 0}, 100),
		inc(101),
		NewUndo(101, 102),
		inc(103),
		NewRedo(101, 104),
	}
	// t1 restored, t2 unaffected, append order preserved.
	if got := value(t, history); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	history := []Action{
		NewInit(State{"value": 0}, 100),
		inc(101),
		inc(102),
		NewUndo(102, 103),
		NewRedo(102, 104),
		inc(105),
	}
	first, err := Resolve(increment, history)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Resolve(increment, history)
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("fold not deterministic: %v != %v", first, again)
		}
	}
}

func TestResolveDoesNotMutateHistory(t *testing.T) {
	init := NewInit(State{"value": 0}, 100)
	history := []Action{init, inc(101), NewUndo(101, 102)}

	if _, err := Resolve(increment, history); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if history[1].Meta.Undone {
		t.Fatal("resolve mutated the stored history")
	}
	if asInt(init.Payload["value"]) != 0 {
		t.Fatal("resolve mutated the init payload")
	}
}

func TestEditMergesOnlyPatchKeys(t *testing.T) {
	history := []Action{
		NewInit(State{"value": 0, "name": "first half"}, 100),
		NewEdit(State{"name": "second half"}, 101),
	}
	state, err := Resolve(increment, history)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if state["name"] != "second half" {
		t.Fatalf("expected merged name, got %v", state["name"])
	}
	if asInt(state["value"]) != 0 {
		t.Fatalf("expected untouched value, got %v", state["value"])
	}
}

func TestAnnotateMarksUndoneActions(t *testing.T) {
	history := []Action{
		NewInit(State{"value": 0}, 100),
		inc(101),
		inc(102),
		NewUndo(101, 103),
	}
	annotated := Annotate(history)
	if !annotated[1].Meta.Undone {
		t.Fatal("expected ts=101 to be marked undone")
	}
	if annotated[2].Meta.Undone {
		t.Fatal("expected ts=102 to remain live")
	}
}

func TestDiffStateCapturesOnlyChangedKeys(t *testing.T) {
	current := State{"value": 1, "name": "first half", "clock": State{"running": true}}
	proposed := State{"value": 1, "name": "full time", "clock": State{"running": true}}

	delta := DiffState(current, proposed)
	if len(delta) != 1 {
		t.Fatalf("expected single-key delta, got %v", delta)
	}
	if delta["name"] != "full time" {
		t.Fatalf("unexpected delta: %v", delta)
	}
}

func TestDiffStateTreatsEqualNumbersAsUnchanged(t *testing.T) {
	// Folded state comes back from JSON as float64; direct Go callers pass
	// native ints. Equal values must not produce a delta key.
	current := State{"value": float64(1), "period": int64(2)}
	proposed := State{"value": 1, "period": 2}

	if delta := DiffState(current, proposed); len(delta) != 0 {
		t.Fatalf("expected empty delta for equal numbers, got %v", delta)
	}

	delta := DiffState(current, State{"value": 2, "period": 2})
	if len(delta) != 1 || delta["value"] != 2 {
		t.Fatalf("expected only the changed number, got %v", delta)
	}
}

func TestTargetTSNumericShapes(t *testing.T) {
	for _, raw := range []any{int64(42), int(42), float64(42)} {
		act := Action{Type: TypeUndo, Payload: State{"ts": raw}, Meta: Meta{TS: 1}}
		ts, ok := TargetTS(act)
		if !ok || ts != 42 {
			t.Fatalf("target ts from %T: got %d ok=%v", raw, ts, ok)
		}
	}
	if _, ok := TargetTS(inc(1)); ok {
		t.Fatal("domain action must not yield a target ts")
	}
}
