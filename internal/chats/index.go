package chats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/storage"
)

// maxCreateAttempts bounds find-or-create retries when concurrent first
// contact keeps racing on the pair constraint.
const maxCreateAttempts = 3

const chatColumns = `id, user_lo, user_hi, last_message_id, last_message_at, created_at`

// MessageHider tombstones a conversation for one side.
type MessageHider interface {
	HideConversation(ctx context.Context, userID, otherID string) error
}

// Index maps an unordered pair of users to exactly one chat. Uniqueness is
// enforced by the (user_lo, user_hi) constraint; the index itself holds no
// state beyond an optional advisory cache.
type Index struct {
	db    *storage.DB
	hider MessageHider
	cache PairCache
	now   func() time.Time
	log   zerolog.Logger
}

type Option func(*Index)

func WithCache(c PairCache) Option {
	return func(ix *Index) { ix.cache = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(ix *Index) { ix.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

func NewIndex(db *storage.DB, hider MessageHider, opts ...Option) *Index {
	ix := &Index{db: db, hider: hider, cache: noCache{}, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// FindOrCreate resolves the canonical chat for {a, b}, creating it on first
// contact. Concurrent callers for the same pair all get the same record.
func (ix *Index) FindOrCreate(ctx context.Context, a, b string) (*domain.Chat, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("%w: a chat needs two distinct users", domain.ErrInvalidInput)
	}
	lo, hi := domain.SortedPair(a, b)

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		c, err := ix.FindByPair(ctx, lo, hi)
		if err == nil {
			ix.remember(ctx, c)
			return c, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		c, err = ix.insert(ctx, lo, hi)
		if err == nil {
			ix.remember(ctx, c)
			return c, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		ix.log.Debug().Str("user_lo", lo).Str("user_hi", hi).Int("attempt", attempt).
			Msg("chat creation raced, refetching winner")
	}
	return nil, fmt.Errorf("chat %s/%s: %w", lo, hi, domain.ErrConflict)
}

func (ix *Index) insert(ctx context.Context, lo, hi string) (*domain.Chat, error) {
	c := &domain.Chat{
		ID:           uuid.NewString(),
		Participants: [2]string{lo, hi},
		CreatedAt:    time.UnixMilli(ix.now().UnixMilli()).UTC(),
	}
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_lo, user_hi, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, lo, hi, c.CreatedAt.UnixMilli())
	if err != nil {
		if ix.db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("chat %s/%s: %w", lo, hi, domain.ErrConflict)
		}
		return nil, err
	}
	return c, nil
}

// FindByPair returns the chat between a and b or ErrNotFound.
func (ix *Index) FindByPair(ctx context.Context, a, b string) (*domain.Chat, error) {
	lo, hi := domain.SortedPair(a, b)
	row := ix.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE user_lo=$1 AND user_hi=$2`, lo, hi)
	c, err := scanChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %s/%s: %w", lo, hi, domain.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

func (ix *Index) Get(ctx context.Context, id string) (*domain.Chat, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, id)
	c, err := scanChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// GetForUser is Get restricted to participants; others see ErrNotFound.
func (ix *Index) GetForUser(ctx context.Context, id, userID string) (*domain.Chat, error) {
	c, err := ix.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Has(userID) {
		return nil, fmt.Errorf("chat %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// Touch moves the last-message pointer. It is accepted only when at is not
// older than the current lastMessageAt, so retried or reordered touches
// never regress it. It reports whether the pointer changed.
func (ix *Index) Touch(ctx context.Context, chatID, messageID string, at time.Time) (bool, error) {
	res, err := ix.db.ExecContext(ctx, `UPDATE chats SET last_message_id=$1, last_message_at=$2
		WHERE id=$3 AND (last_message_at IS NULL OR last_message_at <= $2)`,
		messageID, at.UnixMilli(), chatID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := ix.Get(ctx, chatID); err != nil {
		return false, err
	}
	return false, nil
}

// ListForUser returns the user's chats, most recently active first.
func (ix *Index) ListForUser(ctx context.Context, userID string) ([]*domain.Chat, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats
		WHERE user_lo=$1 OR user_hi=$1
		ORDER BY COALESCE(last_message_at, 0) DESC, created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*domain.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// Counterparts lists every user that has a chat with userID.
func (ix *Index) Counterparts(ctx context.Context, userID string) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT user_hi FROM chats WHERE user_lo=$1
		UNION SELECT user_lo FROM chats WHERE user_hi=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// DeleteForUser clears the conversation for userID: every message between
// the pair is tombstoned for that user and the two-party chat record is
// removed. The counterpart keeps their view of the messages.
func (ix *Index) DeleteForUser(ctx context.Context, chatID, userID string) error {
	c, err := ix.GetForUser(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if err := ix.hider.HideConversation(ctx, userID, c.Counterpart(userID)); err != nil {
		return fmt.Errorf("hide conversation: %w", err)
	}
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM chats WHERE id=$1`, c.ID); err != nil {
		return err
	}
	if err := ix.cache.Delete(ctx, c.Participants[0], c.Participants[1]); err != nil {
		ix.log.Warn().Err(err).Str("chat_id", c.ID).Msg("chat cache invalidation failed")
	}
	return nil
}

// Resolve returns the id of the chat for {a, b}, creating the chat on first
// contact. A cache hit is answered without a database round-trip and may name
// a chat deleted since; a caller whose write then reports ErrNotFound calls
// Forget and falls back to FindOrCreate.
func (ix *Index) Resolve(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", fmt.Errorf("%w: a chat needs two distinct users", domain.ErrInvalidInput)
	}
	lo, hi := domain.SortedPair(a, b)
	id, err := ix.cache.Get(ctx, lo, hi)
	if err != nil {
		ix.log.Warn().Err(err).Msg("chat cache lookup failed")
	} else if id != "" {
		return id, nil
	}
	c, err := ix.FindOrCreate(ctx, lo, hi)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// Forget drops the cached chat id of {a, b}.
func (ix *Index) Forget(ctx context.Context, a, b string) {
	lo, hi := domain.SortedPair(a, b)
	if err := ix.cache.Delete(ctx, lo, hi); err != nil {
		ix.log.Warn().Err(err).Str("user_lo", lo).Str("user_hi", hi).Msg("chat cache invalidation failed")
	}
}

func (ix *Index) remember(ctx context.Context, c *domain.Chat) {
	if err := ix.cache.Set(ctx, c.Participants[0], c.Participants[1], c.ID); err != nil {
		ix.log.Warn().Err(err).Str("chat_id", c.ID).Msg("chat cache store failed")
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(sc scanner) (*domain.Chat, error) {
	var (
		c       domain.Chat
		lastID  sql.NullString
		lastAt  sql.NullInt64
		created int64
	)
	if err := sc.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &lastID, &lastAt, &created); err != nil {
		return nil, err
	}
	c.LastMessageID = lastID.String
	if lastAt.Valid {
		t := time.UnixMilli(lastAt.Int64).UTC()
		c.LastMessageAt = &t
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	return &c, nil
}
