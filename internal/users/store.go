package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/storage"
)

// Store persists the presence facet of users. Account data lives with an
// external collaborator; rows here are created by tooling or provisioning.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Create(ctx context.Context, id, displayName string) (*domain.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidInput)
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, is_online, created_at) VALUES ($1, $2, $3, $4)`,
		id, displayName, false, now.UnixMilli())
	if err != nil {
		if s.db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", id, domain.ErrConflict)
		}
		return nil, err
	}
	return &domain.User{ID: id, DisplayName: displayName, CreatedAt: time.UnixMilli(now.UnixMilli()).UTC()}, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, is_online, last_seen_at, created_at FROM users WHERE id=$1`, id)

	var (
		u        domain.User
		lastSeen sql.NullInt64
		created  int64
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.IsOnline, &lastSeen, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	if lastSeen.Valid {
		t := time.UnixMilli(lastSeen.Int64).UTC()
		u.LastSeenAt = &t
	}
	u.CreatedAt = time.UnixMilli(created).UTC()
	return &u, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id=$1`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetOnline marks the user reachable. lastSeenAt is left untouched.
func (s *Store) SetOnline(ctx context.Context, id string) error {
	return s.update(ctx, id, `UPDATE users SET is_online=$1 WHERE id=$2`, true, id)
}

// SetOffline marks the user unreachable and stamps lastSeenAt.
func (s *Store) SetOffline(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, `UPDATE users SET is_online=$1, last_seen_at=$2 WHERE id=$3`, false, at.UnixMilli(), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
