package sport

import (
	"fmt"

	"github.com/ystv/sports-scores/internal/action"
)

func init() {
	register(football{})
}

// football covers association football: two halves, a pausable clock and a
// per-side goal count.
type football struct{}

func (football) Name() string { return "football" }

func (football) InitialState() action.State { return FootballInitialState() }

func (football) ValidateState(state action.State) error {
	for _, key := range []string{"homeScore", "awayScore", "half"} {
		if err := requireIntState(state, key); err != nil {
			return err
		}
	}
	if _, ok := state["clockRunning"].(bool); !ok {
		return fmt.Errorf("state field \"clockRunning\" must be a boolean")
	}
	if intField(state, "homeScore") < 0 || intField(state, "awayScore") < 0 {
		return fmt.Errorf("scores must not be negative")
	}
	return nil
}

func (football) Action(typ string) (ActionSpec, bool) {
	spec, ok := footballActions[typ]
	return spec, ok
}

var footballActions = map[string]ActionSpec{
	"startHalf": {
		ValidNow: func(state action.State) error {
			if boolField(state, "clockRunning") {
				return fmt.Errorf("cannot start a half while the clock is running")
			}
			return nil
		},
		Apply: func(state action.State, _ map[string]any) (action.State, error) {
			next := action.MergeState(state, nil)
			next["half"] = intField(state, "half") + 1
			next["clockRunning"] = true
			return next, nil
		},
	},
	"endHalf": {
		ValidNow: func(state action.State) error {
			if !boolField(state, "clockRunning") {
				return fmt.Errorf("cannot end a half while the clock is stopped")
			}
			return nil
		},
		Apply: func(state action.State, _ map[string]any) (action.State, error) {
			next := action.MergeState(state, nil)
			next["clockRunning"] = false
			return next, nil
		},
	},
	"goal": {
		Validate: func(payload map[string]any) error {
			_, err := requireSide(payload)
			return err
		},
		ValidNow: func(state action.State) error {
			if !boolField(state, "clockRunning") {
				return fmt.Errorf("goals can only be scored while the clock is running")
			}
			return nil
		},
		Apply: func(state action.State, payload map[string]any) (action.State, error) {
			side, err := requireSide(payload)
			if err != nil {
				return nil, err
			}
			// Goals recorded against a half that was since undone make the
			// log unfoldable; applying a goal with no half in progress is
			// rejected here so the speculative refold catches it.
			if intField(state, "half") == 0 {
				return nil, fmt.Errorf("goal recorded before any half started")
			}
			next := action.MergeState(state, nil)
			key := side + "Score"
			next[key] = intField(state, key) + 1
			return next, nil
		},
	},
}

// FootballInitialState is the default state for a new football event.
func FootballInitialState() action.State {
	return action.State{
		"homeScore":    0,
		"awayScore":    0,
		"half":         0,
		"clockRunning": false,
	}
}
