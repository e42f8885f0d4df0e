package sport

import (
	"fmt"

	"github.com/ystv/sports-scores/internal/action"
)

func init() {
	register(netball{})
}

// netball plays four quarters; goals are worth a single point each.
type netball struct{}

func (netball) Name() string { return "netball" }

func (netball) InitialState() action.State { return NetballInitialState() }

func (netball) ValidateState(state action.State) error {
	for _, key := range []string{"homeScore", "awayScore", "quarter"} {
		if err := requireIntState(state, key); err != nil {
			return err
		}
	}
	if _, ok := state["inPlay"].(bool); !ok {
		return fmt.Errorf("state field \"inPlay\" must be a boolean")
	}
	if q := intField(state, "quarter"); q < 0 || q > 4 {
		return fmt.Errorf("quarter must be between 0 and 4")
	}
	return nil
}

func (netball) Action(typ string) (ActionSpec, bool) {
	spec, ok := netballActions[typ]
	return spec, ok
}

var netballActions = map[string]ActionSpec{
	"startQuarter": {
		ValidNow: func(state action.State) error {
			if boolField(state, "inPlay") {
				return fmt.Errorf("quarter already in progress")
			}
			if intField(state, "quarter") >= 4 {
				return fmt.Errorf("all quarters have been played")
			}
			return nil
		},
		Apply: func(state action.State, _ map[string]any) (action.State, error) {
			quarter := intField(state, "quarter") + 1
			if quarter > 4 {
				return nil, fmt.Errorf("quarter %d out of range", quarter)
			}
			next := action.MergeState(state, nil)
			next["quarter"] = quarter
			next["inPlay"] = true
			return next, nil
		},
	},
	"endQuarter": {
		ValidNow: func(state action.State) error {
			if !boolField(state, "inPlay") {
				return fmt.Errorf("no quarter in progress")
			}
			return nil
		},
		Apply: func(state action.State, _ map[string]any) (action.State, error) {
			next := action.MergeState(state, nil)
			next["inPlay"] = false
			return next, nil
		},
	},
	"goal": {
		Validate: func(payload map[string]any) error {
			_, err := requireSide(payload)
			return err
		},
		ValidNow: func(state action.State) error {
			if !boolField(state, "inPlay") {
				return fmt.Errorf("goals can only be scored during a quarter")
			}
			return nil
		},
		Apply: func(state action.State, payload map[string]any) (action.State, error) {
			side, err := requireSide(payload)
			if err != nil {
				return nil, err
			}
			if intField(state, "quarter") == 0 {
				return nil, fmt.Errorf("goal recorded before any quarter started")
			}
			next := action.MergeState(state, nil)
			key := side + "Score"
			next[key] = intField(state, key) + 1
			return next, nil
		},
	},
}

// NetballInitialState is the default state for a new netball event.
func NetballInitialState() action.State {
	return action.State{
		"homeScore": 0,
		"awayScore": 0,
		"quarter":   0,
		"inPlay":    false,
	}
}
