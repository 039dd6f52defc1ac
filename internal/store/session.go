package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentforge/orchestrator/internal/model"
)

// ErrNotFound is returned by Get-style operations when no row matches.
var ErrNotFound = errors.New("store: not found")

// CreateSession inserts a new session row. Callers are expected to have
// set CreatedAt/UpdatedAt already (the Session Runner stamps both to the
// same value at creation).
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	row := sessionRowFrom(sess)
	_, err := s.stmts.insertSession.ExecContext(ctx, row)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var row sessionRow
	if err := s.stmts.getSession.GetContext(ctx, &row, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toModel(), nil
}

// UpdateSession persists the full session row, bumping UpdatedAt to now.
func (s *Store) UpdateSession(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	row := sessionRowFrom(sess)
	res, err := s.stmts.updateSession.ExecContext(ctx, row)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return checkAffected(res, "session", sess.ID)
}

// TouchSession bumps only updated_at, used to keep a session's TTL alive
// on access without rewriting the full row.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	res, err := s.stmts.touchSession.ExecContext(ctx, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return checkAffected(res, "session", id)
}

// DeleteSession removes a session and cascades to its messages via the
// foreign key ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.stmts.deleteSession.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return checkAffected(res, "session", id)
}

func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
