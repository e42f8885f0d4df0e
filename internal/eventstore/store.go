package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ystv/sports-scores/internal/action"
	"github.com/ystv/sports-scores/internal/logger"
	"github.com/ystv/sports-scores/internal/sport"
)

// Publisher delivers accepted mutations to the change bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) (string, error)
}

// createRetries bounds internal id-collision retries during Create.
// Collisions are never user-visible.
const createRetries = 3

// Store owns the two persisted documents per event and every mutation
// against them. All multi-step writes go through the document store's
// compare-and-swap discipline; concurrent writers race optimistically and
// the loser surfaces ErrConflict.
type Store struct {
	docs DocStore
	pub  Publisher

	// Action timestamps are wall-clock derived but must be unique within a
	// log; the source is bumped under the lock when the clock stalls.
	tsMu   sync.Mutex
	lastTS int64

	now   func() time.Time
	newID func() string
}

// New creates an event store over the given documents and publisher.
func New(docs DocStore, pub Publisher) *Store {
	return &Store{
		docs:  docs,
		pub:   pub,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

func (s *Store) nextTS() int64 {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	ts := s.now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

// Create validates initial metadata and state, generates a new id and
// inserts the meta document plus a history of exactly one @@init action.
func (s *Store) Create(ctx context.Context, league, sportType string, meta EventMeta, initial action.State) (*Resolved, error) {
	sp, ok := sport.Get(sportType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown sport %q", ErrValidationFailed, sportType)
	}

	meta.League = league
	meta.SportType = sportType
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	if initial == nil {
		initial = sp.InitialState()
	}
	if err := sp.ValidateState(initial); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	history := []action.Action{action.NewInit(initial, s.nextTS())}
	histData, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		meta.ID = s.newID()
		subject := Subject(sportType, meta.ID)

		metaData, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		if err := s.docs.Insert(ctx, KindMeta, subject, metaData); err != nil {
			if err == ErrAlreadyExists {
				continue
			}
			return nil, err
		}
		if err := s.docs.Insert(ctx, KindHistory, subject, histData); err != nil {
			return nil, err
		}

		resolved, err := s.load(ctx, subject)
		if err != nil {
			return nil, err
		}
		s.publish(ctx, resolved, &resolved.History[0], nil)
		return resolved, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a fresh event id", ErrAlreadyExists)
}

// Get loads meta and history, folds, and returns the full resolved view.
func (s *Store) Get(ctx context.Context, league, sportType, id string) (*Resolved, error) {
	resolved, err := s.load(ctx, Subject(sportType, id))
	if err != nil {
		return nil, err
	}
	if resolved.Meta.League != league {
		return nil, ErrNotFound
	}
	return resolved, nil
}

// GetBySubject loads the resolved view for an opaque subject identifier.
// Used by the live sync resync path, which addresses events by subject only.
func (s *Store) GetBySubject(ctx context.Context, subject string) (*Resolved, error) {
	kind, _, _, ok := ParseSubject(subject)
	if !ok || kind != "Event" {
		return nil, ErrNotFound
	}
	return s.load(ctx, subject)
}

// Update validates new metadata and state, replaces the meta document and
// appends an @@edit carrying only the state fields that actually changed.
// Both writes are CAS-guarded.
func (s *Store) Update(ctx context.Context, league, sportType, id string, meta EventMeta, newState action.State) (*Resolved, error) {
	resolved, err := s.Get(ctx, league, sportType, id)
	if err != nil {
		return nil, err
	}
	sp, _ := sport.Get(sportType)

	// Identity fields come from the path, never from the request body.
	meta.ID = id
	meta.League = league
	meta.SportType = sportType
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	var delta action.State
	if newState != nil {
		if err := sp.ValidateState(newState); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		// Unchanged fields are never captured into the patch; capturing them
		// would pin values set by earlier actions and break their undo.
		delta = action.DiffState(resolved.State, newState)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	subject := Subject(sportType, id)

	// The meta write goes first: a conflict here leaves nothing committed.
	// The reverse order can commit an @@edit that never reaches the bus,
	// leaving actions-mode mirrors behind until a resync.
	if _, err := s.docs.Update(ctx, KindMeta, subject, metaData, resolved.metaVersion); err != nil {
		return nil, err
	}

	var edit *action.Action
	if len(delta) > 0 {
		act := action.NewEdit(delta, s.nextTS())
		if err := s.appendHistory(ctx, resolved, act); err != nil {
			return nil, err
		}
		edit = &act
	}

	fresh, err := s.load(ctx, subject)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, fresh, edit, nil)
	return fresh, nil
}

// ApplyAction validates and appends one sport-specific domain action.
func (s *Store) ApplyAction(ctx context.Context, league, sportType, id, typ string, payload map[string]any) (*Resolved, error) {
	resolved, err := s.Get(ctx, league, sportType, id)
	if err != nil {
		return nil, err
	}
	sp, _ := sport.Get(sportType)

	spec, ok := sp.Action(typ)
	if !ok {
		return nil, fmt.Errorf("%w: unknown action type %q", ErrValidationFailed, typ)
	}
	if spec.ValidNow != nil {
		if err := spec.ValidNow(resolved.State); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
		}
	}
	if spec.Validate != nil {
		if err := spec.Validate(payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
	}

	act := action.Action{Type: typ, Payload: payload, Meta: action.Meta{TS: s.nextTS()}}
	return s.commitAppend(ctx, resolved, sp, act)
}

// Undo appends an undo marker for the action with the given ts. The
// hypothetical new history is refolded first; an unfoldable result rejects
// the request and nothing is written.
func (s *Store) Undo(ctx context.Context, league, sportType, id string, ts int64) (*Resolved, error) {
	resolved, err := s.Get(ctx, league, sportType, id)
	if err != nil {
		return nil, err
	}
	sp, _ := sport.Get(sportType)

	target, ok := findByTS(resolved.History, ts)
	if !ok {
		return nil, fmt.Errorf("%w: no action with ts %d", ErrPreconditionFailed, ts)
	}
	if action.Internal(target.Type) {
		return nil, fmt.Errorf("%w: cannot undo %s", ErrPreconditionFailed, target.Type)
	}

	return s.commitAppend(ctx, resolved, sp, action.NewUndo(ts, s.nextTS()))
}

// Redo lifts the undo for the given ts. When the log's last entry is the
// undo being reverted, it is physically removed instead of appending a redo,
// so a "nothing happened" undo/redo pair never grows the log. This is the
// single compaction case; the log is never rewritten otherwise.
func (s *Store) Redo(ctx context.Context, league, sportType, id string, ts int64) (*Resolved, error) {
	resolved, err := s.Get(ctx, league, sportType, id)
	if err != nil {
		return nil, err
	}
	sp, _ := sport.Get(sportType)

	if n := len(resolved.History); n > 0 {
		last := resolved.History[n-1]
		if last.Type == action.TypeUndo {
			if target, ok := action.TargetTS(last); ok && target == ts {
				return s.commitCompaction(ctx, resolved, sp)
			}
		}
	}

	return s.commitAppend(ctx, resolved, sp, action.NewRedo(ts, s.nextTS()))
}

// Resync recomputes the resolved state and republishes it unconditionally,
// repairing any out-of-band drift in downstream mirrors.
func (s *Store) Resync(ctx context.Context, league, sportType, id string) (*Resolved, error) {
	resolved, err := s.Get(ctx, league, sportType, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, resolved, nil, action.Annotate(resolved.History))
	return resolved, nil
}

// commitAppend speculatively refolds history+act, CAS-appends it and
// publishes the accepted change.
func (s *Store) commitAppend(ctx context.Context, resolved *Resolved, sp sport.Sport, act action.Action) (*Resolved, error) {
	hypothetical := append(append([]action.Action{}, resolved.History...), act)
	if _, err := action.Resolve(sport.Reduce(sp), hypothetical); err != nil {
		return nil, fmt.Errorf("%w: would produce an invalid state: %v", ErrPreconditionFailed, err)
	}

	if err := s.appendHistory(ctx, resolved, act); err != nil {
		return nil, err
	}

	subject := Subject(resolved.Meta.SportType, resolved.Meta.ID)
	fresh, err := s.load(ctx, subject)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, fresh, &act, nil)
	return fresh, nil
}

// commitCompaction drops the trailing undo marker and publishes the full
// annotated log, since appending cannot express a removal.
func (s *Store) commitCompaction(ctx context.Context, resolved *Resolved, sp sport.Sport) (*Resolved, error) {
	compacted := append([]action.Action{}, resolved.History[:len(resolved.History)-1]...)
	if _, err := action.Resolve(sport.Reduce(sp), compacted); err != nil {
		return nil, fmt.Errorf("%w: would produce an invalid state: %v", ErrPreconditionFailed, err)
	}

	data, err := json.Marshal(compacted)
	if err != nil {
		return nil, err
	}
	subject := Subject(resolved.Meta.SportType, resolved.Meta.ID)
	if _, err := s.docs.Update(ctx, KindHistory, subject, data, resolved.histVersion); err != nil {
		return nil, err
	}

	fresh, err := s.load(ctx, subject)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, fresh, nil, action.Annotate(fresh.History))
	return fresh, nil
}

func (s *Store) appendHistory(ctx context.Context, resolved *Resolved, act action.Action) error {
	next := append(append([]action.Action{}, resolved.History...), act)
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	subject := Subject(resolved.Meta.SportType, resolved.Meta.ID)
	version, err := s.docs.Update(ctx, KindHistory, subject, data, resolved.histVersion)
	if err != nil {
		return err
	}
	resolved.History = next
	resolved.histVersion = version
	return nil
}

// load reads both documents for a subject and folds the history.
func (s *Store) load(ctx context.Context, subject string) (*Resolved, error) {
	metaDoc, err := s.docs.Get(ctx, KindMeta, subject)
	if err != nil {
		return nil, err
	}
	histDoc, err := s.docs.Get(ctx, KindHistory, subject)
	if err != nil {
		return nil, err
	}

	var meta EventMeta
	if err := json.Unmarshal(metaDoc.Data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt meta document %s: %w", subject, err)
	}
	var history []action.Action
	if err := json.Unmarshal(histDoc.Data, &history); err != nil {
		return nil, fmt.Errorf("corrupt history document %s: %w", subject, err)
	}

	sp, ok := sport.Get(meta.SportType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown sport %q", ErrValidationFailed, meta.SportType)
	}
	state, err := action.Resolve(sport.Reduce(sp), history)
	if err != nil {
		return nil, fmt.Errorf("unfoldable history %s: %w", subject, err)
	}

	return &Resolved{
		Meta:        meta,
		State:       state,
		History:     history,
		metaVersion: metaDoc.Version,
		histVersion: histDoc.Version,
	}, nil
}

func (s *Store) publish(ctx context.Context, resolved *Resolved, act *action.Action, actions []action.Action) {
	if s.pub == nil {
		return
	}
	subject := Subject(resolved.Meta.SportType, resolved.Meta.ID)
	change := Change{
		Subject: subject,
		State:   resolved.Merged(),
		Action:  act,
		Actions: actions,
	}
	data, err := json.Marshal(change)
	if err != nil {
		logger.Errorf("[eventstore] failed to marshal change for %s: %v", subject, err)
		return
	}
	if _, err := s.pub.Publish(ctx, subject, data); err != nil {
		logger.Warnf("[eventstore] failed to publish change for %s: %v", subject, err)
	}
}

func findByTS(history []action.Action, ts int64) (action.Action, bool) {
	for _, act := range history {
		if act.Meta.TS == ts {
			return act, true
		}
	}
	return action.Action{}, false
}
