package sport

import (
	"fmt"

	"github.com/ystv/sports-scores/internal/action"
)

// ActionSpec describes one domain action type for a sport.
type ActionSpec struct {
	// Validate checks the action payload shape. A nil Validate accepts any
	// payload.
	Validate func(payload map[string]any) error
	// ValidNow reports whether the action may be applied given the current
	// resolved state (e.g. "only while the clock is running"). A nil
	// ValidNow means the action is always applicable.
	ValidNow func(state action.State) error
	// Apply reduces the action into the state and returns the next state.
	Apply func(state action.State, payload map[string]any) (action.State, error)
}

// Sport bundles the reducer, validators and action schemas for one sport.
type Sport interface {
	// Name is the sportType key used in subjects and routes.
	Name() string
	// InitialState is the default state for a freshly created event.
	InitialState() action.State
	// ValidateState checks a full (initial or edited) state document.
	ValidateState(state action.State) error
	// Action looks up the spec for a domain action type.
	Action(typ string) (ActionSpec, bool)
}

// The set of sports is fixed at build time; lookups go through this static
// registry.
var registry = map[string]Sport{}

func register(s Sport) {
	registry[s.Name()] = s
}

// Get returns the sport registered under the given name.
func Get(name string) (Sport, bool) {
	s, ok := registry[name]
	return s, ok
}

// Names lists the registered sport names.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// Reduce builds an action.Reducer that dispatches domain actions through the
// sport's action specs.
func Reduce(s Sport) action.Reducer {
	return func(state action.State, act action.Action) (action.State, error) {
		spec, ok := s.Action(act.Type)
		if !ok {
			return nil, fmt.Errorf("unknown %s action %q", s.Name(), act.Type)
		}
		return spec.Apply(state, act.Payload)
	}
}

// Numeric state fields round-trip through JSON as float64; read them
// tolerantly.
func intField(state action.State, key string) int {
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func boolField(state action.State, key string) bool {
	v, _ := state[key].(bool)
	return v
}

func stringPayload(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func requireSide(payload map[string]any) (string, error) {
	side := stringPayload(payload, "side")
	if side != "home" && side != "away" {
		return "", fmt.Errorf("side must be \"home\" or \"away\", got %q", side)
	}
	return side, nil
}

func requireIntState(state action.State, key string) error {
	switch state[key].(type) {
	case int, int64, float64:
		return nil
	default:
		return fmt.Errorf("state field %q must be a number", key)
	}
}
