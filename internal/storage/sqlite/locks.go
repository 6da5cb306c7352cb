package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// LocksForPathsTx reads the existing locks whose path is in the given
// set, inside the caller's transaction.
func (s *SQLiteStore) LocksForPathsTx(ctx context.Context, tx *sql.Tx, paths []string) ([]*types.FileLock, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(paths))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(paths))
	for i, p := range paths {
		args[i] = p
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT file_path, session_id, locked_at FROM file_locks
		WHERE file_path IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read locks: %w", err)
	}
	defer rows.Close()

	var locks []*types.FileLock
	for rows.Next() {
		var lock types.FileLock
		if err := rows.Scan(&lock.FilePath, &lock.SessionID, &lock.LockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, &lock)
	}
	return locks, rows.Err()
}

// InsertLockTx inserts a single lock row. A uniqueness violation here is
// the signal that another session raced us to the path; callers detect
// it with IsUniqueViolation.
func (s *SQLiteStore) InsertLockTx(ctx context.Context, tx *sql.Tx, lock *types.FileLock) error {
	if lock.LockedAt.IsZero() {
		lock.LockedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO file_locks (file_path, session_id, locked_at) VALUES (?, ?, ?)
	`, lock.FilePath, lock.SessionID, lock.LockedAt)
	return err
}

// DeleteLocksForSessionTx removes every lock held by a session, inside
// the caller's transaction. Returns the number of rows removed.
func (s *SQLiteStore) DeleteLocksForSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM file_locks WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete locks: %w", err)
	}
	return res.RowsAffected()
}

// ReassignLocksTx moves every lock held by one session to another,
// inside the caller's transaction. Returns the number of rows moved.
func (s *SQLiteStore) ReassignLocksTx(ctx context.Context, tx *sql.Tx, fromSessionID, toSessionID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE file_locks SET session_id = ? WHERE session_id = ?
	`, toSessionID, fromSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign locks: %w", err)
	}
	return res.RowsAffected()
}

// ListLocks returns every lock in the registry, ordered by path.
func (s *SQLiteStore) ListLocks(ctx context.Context) ([]*types.FileLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, session_id, locked_at FROM file_locks ORDER BY file_path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	var locks []*types.FileLock
	for rows.Next() {
		var lock types.FileLock
		if err := rows.Scan(&lock.FilePath, &lock.SessionID, &lock.LockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, &lock)
	}
	return locks, rows.Err()
}

// LockHolders joins locks with their sessions for conflict display. An
// empty path set returns every holder.
func (s *SQLiteStore) LockHolders(ctx context.Context, paths []string) ([]*types.LockHolder, error) {
	query := `
		SELECT l.file_path, l.session_id, s.status, s.branch_name
		FROM file_locks l
		JOIN sessions s ON l.session_id = s.id
	`
	var args []interface{}
	if len(paths) > 0 {
		placeholders := strings.Repeat("?,", len(paths))
		query += ` WHERE l.file_path IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, p := range paths {
			args = append(args, p)
		}
	}
	query += ` ORDER BY l.file_path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lock holders: %w", err)
	}
	defer rows.Close()

	var holders []*types.LockHolder
	for rows.Next() {
		var h types.LockHolder
		if err := rows.Scan(&h.Path, &h.SessionID, &h.Status, &h.Branch); err != nil {
			return nil, fmt.Errorf("failed to scan lock holder: %w", err)
		}
		holders = append(holders, &h)
	}
	return holders, rows.Err()
}

// DeleteAllLocks purges the lock table. Operator escape hatch.
func (s *SQLiteStore) DeleteAllLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_locks`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge locks: %w", err)
	}
	return res.RowsAffected()
}
