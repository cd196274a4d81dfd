package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/conductor/internal/action"
)

// ErrAlreadyExists is returned when a create collides with an existing record.
var ErrAlreadyExists = errors.New("already exists")

const (
	prefixAction   = "action/"
	prefixActive   = "active/"
	prefixLock     = "lock/"
	prefixEngine   = "engine/"
	prefixCluster  = "cluster/"
	prefixNode     = "node/"
	prefixPolicy   = "policy/"
	prefixBinding  = "binding/"
	prefixReceiver = "receiver/"
	prefixToken    = "token/"

	// maxAncestry bounds parent-chain walks so a corrupted chain cannot loop.
	maxAncestry = 64
)

// Store is the shared action/lock/record store. Every mutating method runs as
// a single engine transaction, so its checks and writes are atomic with
// respect to every other engine process sharing the same backend.
type Store struct {
	kv  Engine
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an engine.
func New(kv Engine, opts ...Option) *Store {
	s := &Store{kv: kv, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewMemory returns a store backed by a fresh MemoryEngine.
func NewMemory(opts ...Option) *Store {
	return New(NewMemoryEngine(), opts...)
}

// Close closes the underlying engine.
func (s *Store) Close() error { return s.kv.Close() }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

func getJSON(tx Txn, key string, out any) error {
	raw, err := tx.Get(key)
	if errors.Is(err, errKeyNotFound) {
		return fmt.Errorf("%w: %s", action.ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func putJSON(tx Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Set(key, raw)
}

func exists(tx Txn, key string) (bool, error) {
	_, err := tx.Get(key)
	if errors.Is(err, errKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ActionFilter selects actions in ListActions. Zero fields match everything.
type ActionFilter struct {
	Status      []action.Status
	TargetID    string
	Parent      string
	Owner       string
	Type        action.Type
	NonTerminal bool
	DependsOn   string
}

func (f ActionFilter) match(a *action.Action) bool {
	if len(f.Status) > 0 && !slices.Contains(f.Status, a.Status) {
		return false
	}
	if f.TargetID != "" && a.TargetID != f.TargetID {
		return false
	}
	if f.Parent != "" && a.Parent != f.Parent {
		return false
	}
	if f.Owner != "" && a.Owner != f.Owner {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.NonTerminal && a.Status.IsTerminal() {
		return false
	}
	if f.DependsOn != "" && !slices.Contains(a.DependsOn, f.DependsOn) {
		return false
	}
	return true
}

// CreateAction persists a new action. A non-terminal action claims its target:
// if another non-terminal action outside its own tree already targets the
// same resource, ErrActionConflict is returned and nothing is written.
func (s *Store) CreateAction(ctx context.Context, a *action.Action) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		return s.createAction(tx, a)
	})
}

func (s *Store) createAction(tx Txn, a *action.Action) error {
	if a.ID == "" || a.TargetID == "" {
		return fmt.Errorf("%w: action id and target are required", action.ErrInvalidRequest)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", action.ErrInvalidRequest, a.Status)
	}
	found, err := exists(tx, prefixAction+a.ID)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("action %s: %w", a.ID, ErrAlreadyExists)
	}

	if !a.Status.IsTerminal() {
		if err := s.claimTarget(tx, a); err != nil {
			return err
		}
	}

	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return putJSON(tx, prefixAction+a.ID, a)
}

func (s *Store) claimTarget(tx Txn, a *action.Action) error {
	raw, err := tx.Get(prefixActive + a.TargetID)
	switch {
	case errors.Is(err, errKeyNotFound):
		return tx.Set(prefixActive+a.TargetID, []byte(a.ID))
	case err != nil:
		return err
	}
	holder := string(raw)
	if holder == a.ID {
		return nil
	}
	inTree, err := s.isAncestor(tx, a.Parent, holder)
	if err != nil {
		return err
	}
	if inTree {
		return nil
	}
	return fmt.Errorf("%w: %s already targeted by action %s", action.ErrActionConflict, a.TargetID, holder)
}

// isAncestor reports whether candidate appears on the parent chain starting at parent.
func (s *Store) isAncestor(tx Txn, parent, candidate string) (bool, error) {
	for i := 0; parent != "" && i < maxAncestry; i++ {
		if parent == candidate {
			return true, nil
		}
		var p action.Action
		if err := getJSON(tx, prefixAction+parent, &p); err != nil {
			if errors.Is(err, action.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		parent = p.Parent
	}
	return false, nil
}

func (s *Store) releaseTarget(tx Txn, a *action.Action) error {
	raw, err := tx.Get(prefixActive + a.TargetID)
	if errors.Is(err, errKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(raw) != a.ID {
		return nil
	}
	return tx.Delete(prefixActive + a.TargetID)
}

// GetAction loads an action by id.
func (s *Store) GetAction(ctx context.Context, id string) (*action.Action, error) {
	var a action.Action
	err := s.kv.View(ctx, func(tx Txn) error {
		return getJSON(tx, prefixAction+id, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActions returns actions matching f, oldest first.
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]*action.Action, error) {
	var out []*action.Action
	err := s.kv.View(ctx, func(tx Txn) error {
		return tx.Scan(prefixAction, func(_ string, v []byte) error {
			var a action.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if f.match(&a) {
				out = append(out, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *action.Action) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// ActiveAction returns the id of the non-terminal action claiming targetID, or "".
func (s *Store) ActiveAction(ctx context.Context, targetID string) (string, error) {
	var holder string
	err := s.kv.View(ctx, func(tx Txn) error {
		raw, err := tx.Get(prefixActive + targetID)
		if errors.Is(err, errKeyNotFound) {
			return nil
		}
		holder = string(raw)
		return err
	})
	return holder, err
}

// TransitionAction moves an action to status `to` if its current status is
// one of expect (any non-terminal status when expect is empty) and the state
// machine allows the edge. mutate may adjust other fields in the same
// transaction; it cannot change the status.
func (s *Store) TransitionAction(ctx context.Context, id string, to action.Status, expect []action.Status, mutate func(*action.Action)) (*action.Action, error) {
	var out *action.Action
	err := s.kv.Update(ctx, func(tx Txn) error {
		var a action.Action
		if err := getJSON(tx, prefixAction+id, &a); err != nil {
			return err
		}
		if len(expect) > 0 && !slices.Contains(expect, a.Status) {
			if a.Status.IsTerminal() {
				return fmt.Errorf("%w: action %s already %s", action.ErrGraphInconsistency, id, a.Status)
			}
			return fmt.Errorf("%w: action %s is %s, expected one of %v", action.ErrInvalidTransition, id, a.Status, expect)
		}
		if err := action.CheckTransition(a.Status, to); err != nil {
			return fmt.Errorf("action %s: %w", id, err)
		}
		if mutate != nil {
			mutate(&a)
		}
		a.Status = to
		a.UpdatedAt = s.now()
		if to.IsTerminal() {
			if err := s.releaseTarget(tx, &a); err != nil {
				return err
			}
		}
		out = &a
		return putJSON(tx, prefixAction+id, &a)
	})
	return out, err
}

// UpdateAction applies mutate to a non-terminal action without changing its status.
func (s *Store) UpdateAction(ctx context.Context, id string, mutate func(*action.Action) error) (*action.Action, error) {
	var out *action.Action
	err := s.kv.Update(ctx, func(tx Txn) error {
		var a action.Action
		if err := getJSON(tx, prefixAction+id, &a); err != nil {
			return err
		}
		status := a.Status
		if err := mutate(&a); err != nil {
			return err
		}
		a.Status = status
		a.UpdatedAt = s.now()
		out = &a
		return putJSON(tx, prefixAction+id, &a)
	})
	return out, err
}

// AttachChildren persists the children of a RUNNING parent and moves the
// parent to WAITING with the children as its dependencies, all in one
// transaction. If any child conflicts on its target, nothing is written.
func (s *Store) AttachChildren(ctx context.Context, parentID string, children []*action.Action) (*action.Action, error) {
	var out *action.Action
	err := s.kv.Update(ctx, func(tx Txn) error {
		var parent action.Action
		if err := getJSON(tx, prefixAction+parentID, &parent); err != nil {
			return err
		}
		if err := action.CheckTransition(parent.Status, action.StatusWaiting); err != nil {
			return fmt.Errorf("action %s: %w", parentID, err)
		}
		for _, c := range children {
			if c.Parent != parentID {
				return fmt.Errorf("%w: child %s does not name %s as parent", action.ErrGraphInconsistency, c.ID, parentID)
			}
			if err := s.createAction(tx, c); err != nil {
				return err
			}
			parent.DependsOn = append(parent.DependsOn, c.ID)
		}
		parent.Status = action.StatusWaiting
		parent.UpdatedAt = s.now()
		out = &parent
		return putJSON(tx, prefixAction+parentID, &parent)
	})
	return out, err
}
