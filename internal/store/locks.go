package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dreamware/conductor/internal/action"
)

// Lock is the ownership record over exactly one resource.
type Lock struct {
	ResourceID   string            `json:"resource_id"`
	ResourceKind action.TargetKind `json:"resource_kind"`
	ActionID     string            `json:"action_id"`
	EngineID     string            `json:"engine_id"`
	AcquiredAt   time.Time         `json:"acquired_at"`
}

// AcquireLock inserts l if no lock exists for its resource.
//
// If a lock exists and its owner is l.ActionID or one of the ancestors listed
// in tree, the caller is already inside the owner's critical section: the
// existing record is returned and nothing is written. Otherwise
// ErrResourceLocked is returned.
//
// Independently of the lock record, a non-terminal action outside the
// caller's tree that claims the resource yields ErrActionConflict.
func (s *Store) AcquireLock(ctx context.Context, l Lock, tree []string) (*Lock, error) {
	var out *Lock
	err := s.kv.Update(ctx, func(tx Txn) error {
		inTree := func(id string) bool {
			if id == l.ActionID {
				return true
			}
			for _, t := range tree {
				if t == id {
					return true
				}
			}
			return false
		}

		var held Lock
		err := getJSON(tx, prefixLock+l.ResourceID, &held)
		switch {
		case err == nil:
			if inTree(held.ActionID) {
				out = &held
				return nil
			}
			return fmt.Errorf("%w: %s held by action %s on engine %s",
				action.ErrResourceLocked, l.ResourceID, held.ActionID, held.EngineID)
		case !errors.Is(err, action.ErrNotFound):
			return err
		}

		raw, err := tx.Get(prefixActive + l.ResourceID)
		switch {
		case err == nil:
			if holder := string(raw); !inTree(holder) {
				return fmt.Errorf("%w: %s targeted by action %s", action.ErrActionConflict, l.ResourceID, holder)
			}
		case !errors.Is(err, errKeyNotFound):
			return err
		}

		if l.AcquiredAt.IsZero() {
			l.AcquiredAt = s.now()
		}
		out = &l
		return putJSON(tx, prefixLock+l.ResourceID, &l)
	})
	return out, err
}

// ReleaseLock deletes the lock on resourceID if actionID owns it. Releasing a
// lock that is absent or owned by someone else is a no-op and reports false.
func (s *Store) ReleaseLock(ctx context.Context, resourceID, actionID string) (bool, error) {
	released := false
	err := s.kv.Update(ctx, func(tx Txn) error {
		var held Lock
		if err := getJSON(tx, prefixLock+resourceID, &held); err != nil {
			if errors.Is(err, action.ErrNotFound) {
				return nil
			}
			return err
		}
		if held.ActionID != actionID {
			return nil
		}
		released = true
		return tx.Delete(prefixLock + resourceID)
	})
	return released, err
}

// StealLock deletes the lock on resourceID only if it is still owned by
// expectedAction, so two reapers cannot both steal the same lock.
func (s *Store) StealLock(ctx context.Context, resourceID, expectedAction string) (bool, error) {
	return s.ReleaseLock(ctx, resourceID, expectedAction)
}

// GetLock returns the lock on resourceID.
func (s *Store) GetLock(ctx context.Context, resourceID string) (*Lock, error) {
	var l Lock
	err := s.kv.View(ctx, func(tx Txn) error {
		return getJSON(tx, prefixLock+resourceID, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLocks returns every lock record ordered by resource id.
func (s *Store) ListLocks(ctx context.Context) ([]*Lock, error) {
	var out []*Lock
	err := s.kv.View(ctx, func(tx Txn) error {
		return tx.Scan(prefixLock, func(_ string, v []byte) error {
			var l Lock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
			return nil
		})
	})
	return out, err
}

// Heartbeat records that engineID is alive at the store's current time.
func (s *Store) Heartbeat(ctx context.Context, engineID string) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		return putJSON(tx, prefixEngine+engineID, s.now())
	})
}

// Heartbeats returns the last heartbeat of every known engine.
func (s *Store) Heartbeats(ctx context.Context) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	err := s.kv.View(ctx, func(tx Txn) error {
		return tx.Scan(prefixEngine, func(k string, v []byte) error {
			var t time.Time
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out[strings.TrimPrefix(k, prefixEngine)] = t
			return nil
		})
	})
	return out, err
}
