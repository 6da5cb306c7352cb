// Package lockmgr is the only component that mutates file locks. It
// centralizes the lock-exclusivity invariant: at any instant a path is
// held by at most one non-terminal session, and acquisition over a path
// set is all-or-nothing.
package lockmgr

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Manager coordinates exclusive per-file locks through the registry store.
type Manager struct {
	store storage.Store
}

// New creates a lock manager over the given store.
func New(store storage.Store) *Manager {
	return &Manager{store: store}
}

// AcquireResult reports the outcome of an acquisition attempt.
type AcquireResult struct {
	Ok        bool                 `json:"ok"`
	Locked    []string             `json:"locked,omitempty"`
	Conflicts []types.LockConflict `json:"conflicts,omitempty"`
}

// Acquire attempts to lock every path in the set for the session, in one
// transaction. If any path is held by a different session, nothing is
// inserted and the conflicts are returned. Paths the session already
// holds are idempotent no-ops. A concurrent insert racing past the
// initial read surfaces as a uniqueness violation; it is converted into
// the same structured conflict result, never a partial acquisition.
func (m *Manager) Acquire(ctx context.Context, sessionID string, paths []string) (*AcquireResult, error) {
	paths = dedupe(paths)
	if len(paths) == 0 {
		return &AcquireResult{Ok: true}, nil
	}

	session, err := m.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s is terminal (%s); cannot acquire locks", sessionID, session.Status)
	}

	result := &AcquireResult{}
	err = m.store.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := m.store.LocksForPathsTx(ctx, tx, paths)
		if err != nil {
			return err
		}

		held := make(map[string]string, len(existing))
		for _, lock := range existing {
			held[lock.FilePath] = lock.SessionID
		}

		var conflicts []types.LockConflict
		var missing []string
		for _, path := range paths {
			holder, ok := held[path]
			switch {
			case !ok:
				missing = append(missing, path)
			case holder != sessionID:
				conflicts = append(conflicts, types.LockConflict{Path: path, HeldBy: holder})
			}
		}
		if len(conflicts) > 0 {
			result.Conflicts = conflicts
			return nil
		}

		now := time.Now().UTC()
		for _, path := range missing {
			err := m.store.InsertLockTx(ctx, tx, &types.FileLock{
				FilePath:  path,
				SessionID: sessionID,
				LockedAt:  now,
			})
			if err != nil {
				if storage.IsUniqueViolation(err) {
					// Lost the race. Abort the transaction so nothing
					// sticks; the conflict set is re-read outside.
					return errLockRace{path: path}
				}
				return fmt.Errorf("failed to insert lock for %s: %w", path, err)
			}
		}

		result.Ok = true
		result.Locked = paths
		return nil
	})

	if race, ok := err.(errLockRace); ok {
		conflicts, cerr := m.reReadConflicts(ctx, sessionID, paths)
		if cerr != nil {
			return nil, fmt.Errorf("lock race on %s and conflict re-read failed: %w", race.path, cerr)
		}
		if len(conflicts) == 0 {
			// The racing holder vanished between the violation and the
			// re-read; report the raced path so the caller can retry.
			conflicts = []types.LockConflict{{Path: race.path, HeldBy: "unknown"}}
		}
		return &AcquireResult{Conflicts: conflicts}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// errLockRace aborts the acquisition transaction on a uniqueness
// violation without losing which path raced.
type errLockRace struct {
	path string
}

func (e errLockRace) Error() string {
	return fmt.Sprintf("lock race on %s", e.path)
}

func (m *Manager) reReadConflicts(ctx context.Context, sessionID string, paths []string) ([]types.LockConflict, error) {
	var conflicts []types.LockConflict
	err := m.store.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := m.store.LocksForPathsTx(ctx, tx, paths)
		if err != nil {
			return err
		}
		for _, lock := range existing {
			if lock.SessionID != sessionID {
				conflicts = append(conflicts, types.LockConflict{Path: lock.FilePath, HeldBy: lock.SessionID})
			}
		}
		return nil
	})
	return conflicts, err
}

// Transfer reassigns every lock held by one session to another, inside
// the caller's transaction. The remediation loop uses this so a child
// session inherits its parent's lock set with no unlocked window.
func (m *Manager) Transfer(ctx context.Context, tx *sql.Tx, fromSessionID, toSessionID string) (int64, error) {
	moved, err := m.store.ReassignLocksTx(ctx, tx, fromSessionID, toSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to transfer locks %s → %s: %w", fromSessionID, toSessionID, err)
	}
	return moved, nil
}

// Release deletes all locks for a session. Invoked whenever a session
// enters a terminal state. Safe to call on a session holding nothing.
func (m *Manager) Release(ctx context.Context, sessionID string) (int64, error) {
	var removed int64
	err := m.store.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = m.store.DeleteLocksForSessionTx(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release locks for %s: %w", sessionID, err)
	}
	return removed, nil
}

// ReleaseTx deletes all locks for a session inside the caller's
// transaction, so terminal-state entry and lock cleanup commit together.
func (m *Manager) ReleaseTx(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	return m.store.DeleteLocksForSessionTx(ctx, tx, sessionID)
}

// ConflictStatus joins the given paths' locks with their owning sessions
// for display and auditor context.
func (m *Manager) ConflictStatus(ctx context.Context, paths []string) ([]*types.LockHolder, error) {
	return m.store.LockHolders(ctx, dedupe(paths))
}

// dedupe removes duplicates and returns a sorted copy. Sorting keeps
// insert order deterministic, which keeps conflict output stable.
func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
