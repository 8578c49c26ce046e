package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/movi/internal/domain"
)

// GetSession retrieves the latest snapshot for a session.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, phase, state_json, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	var sess domain.Session
	var stateJSON string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.ID, &sess.Phase, &stateJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.StateJSON = []byte(stateJSON)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

// UpsertSession creates or replaces the session snapshot.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
		INSERT INTO sessions (session_id, phase, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			phase = excluded.phase,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`

	now := s.now()
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.exec(ctx, "upsert session", query,
		sess.ID, sess.Phase, string(sess.StateJSON), toMillis(createdAt), toMillis(now),
	)
	return err
}

// DeleteIdleSessions removes sessions idle for longer than ttl. Sessions with
// a pending checkpoint are kept until the checkpoint expires.
func (s *SQLiteStore) DeleteIdleSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := toMillis(s.now().Add(-ttl))
	query := `
		DELETE FROM sessions
		WHERE updated_at < ?
		  AND session_id NOT IN (SELECT session_id FROM checkpoints)`
	res, err := s.exec(ctx, "delete idle sessions", query, threshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PutCheckpoint stores the checkpoint for a session.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	if cp == nil || cp.SessionID == "" {
		return errors.New("put checkpoint: missing session id")
	}
	query := `
		INSERT INTO checkpoints (session_id, state_json, suspended_at, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state_json = excluded.state_json,
			suspended_at = excluded.suspended_at,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	suspendedAt := cp.SuspendedAt
	if suspendedAt == "" {
		suspendedAt = domain.StageSafetyGate
	}
	_, err := s.exec(ctx, "put checkpoint", query,
		cp.SessionID, string(cp.StateJSON), suspendedAt, toMillis(createdAt), toMillis(cp.ExpiresAt),
	)
	return err
}

// GetCheckpoint returns the pending checkpoint for a session, or nil.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	query := `
		SELECT session_id, state_json, suspended_at, created_at, expires_at
		FROM checkpoints WHERE session_id = ?`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// TakeCheckpoint deletes and returns the pending checkpoint in one statement.
func (s *SQLiteStore) TakeCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	query := `
		DELETE FROM checkpoints WHERE session_id = ?
		RETURNING session_id, state_json, suspended_at, created_at, expires_at`
	var cp *domain.Checkpoint
	err := s.inTx(ctx, "take checkpoint", func(tx *sql.Tx) error {
		var err error
		cp, err = scanCheckpoint(tx.QueryRowContext(ctx, query, sessionID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// DeleteCheckpoint removes the checkpoint for a session.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	_, err := s.exec(ctx, "delete checkpoint", `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	return err
}

// ListExpiredCheckpoints returns checkpoints expired at now.
func (s *SQLiteStore) ListExpiredCheckpoints(ctx context.Context, now time.Time) ([]*domain.Checkpoint, error) {
	query := `
		SELECT session_id, state_json, suspended_at, created_at, expires_at
		FROM checkpoints WHERE expires_at > 0 AND expires_at <= ?
		ORDER BY expires_at`
	rows, err := s.db.QueryContext(ctx, query, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("query expired checkpoints: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired checkpoint rows", "error", closeErr)
		}
	}()

	var out []*domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired checkpoints: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var stateJSON string
	var createdAt, expiresAt int64
	err := row.Scan(&cp.SessionID, &stateJSON, &cp.SuspendedAt, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.StateJSON = []byte(stateJSON)
	cp.CreatedAt = fromMillis(createdAt)
	cp.ExpiresAt = fromMillis(expiresAt)
	return &cp, nil
}

// AcquireLease inserts or takes over an expired lease row. The conditional
// upsert affects zero rows when a live lease is held by someone else.
func (s *SQLiteStore) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	query := `
		INSERT INTO session_leases (session_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE session_leases.expires_at <= ? OR session_leases.owner = excluded.owner`
	res, err := s.exec(ctx, "acquire lease", query,
		sessionID, owner, toMillis(now.Add(ttl)), toMillis(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	_, err := s.exec(ctx, "release lease",
		`DELETE FROM session_leases WHERE session_id = ? AND owner = ?`, sessionID, owner)
	return err
}

// DeleteExpiredLeases removes leases past their expiry.
func (s *SQLiteStore) DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, "delete expired leases",
		`DELETE FROM session_leases WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
