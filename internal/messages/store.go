package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/storage"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	SearchLimit     = 50
)

const messageColumns = `m.id, m.sender_id, m.recipient_id, m.text, m.media_id, m.media_type,
	m.status, m.is_edited, m.is_deleted, m.created_at`

// pairClause matches both directions of a conversation between $1 and $2.
const pairClause = `((m.sender_id=$1 AND m.recipient_id=$2) OR (m.sender_id=$2 AND m.recipient_id=$1))`

// visibleClause hides messages deleted for everyone or tombstoned by $1.
const visibleClause = `m.is_deleted = false
	AND NOT EXISTS (SELECT 1 FROM message_hidden h WHERE h.message_id = m.id AND h.user_id = $1)`

// Store is the durable record of direct messages. It owns the status state
// machine: status only moves forward along sent < delivered < read.
type Store struct {
	db         *storage.DB
	now        func() time.Time
	editWindow time.Duration
}

type Option func(*Store)

// WithClock replaces time.Now, mainly for tests of the edit window.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithEditWindow(d time.Duration) Option {
	return func(s *Store) { s.editWindow = d }
}

func NewStore(db *storage.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, editWindow: domain.EditWindow}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append persists a new message with status sent.
func (s *Store) Append(ctx context.Context, senderID, recipientID string, content domain.Content) (*domain.Message, error) {
	content, err := content.Normalize()
	if err != nil {
		return nil, err
	}
	now := time.UnixMilli(s.now().UnixMilli()).UTC()
	m := &domain.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Status:      domain.StatusSent,
		CreatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages
		(id, sender_id, recipient_id, text, media_id, media_type, status, is_edited, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, senderID, recipientID,
		storage.NullString(content.Text), storage.NullString(content.MediaID), storage.NullString(content.MediaType),
		int(domain.StatusSent), false, false, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// Get returns the message with its deletedFor set, whatever its visibility.
func (s *Store) Get(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id=$1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM message_hidden WHERE message_id=$1 ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		m.DeletedFor = append(m.DeletedFor, uid)
	}
	return m, rows.Err()
}

// AdvanceStatus moves the message to target if target is strictly later than
// its current status. Backward or same-status requests are no-ops and report
// false.
func (s *Store) AdvanceStatus(ctx context.Context, id string, target domain.Status) (bool, error) {
	if !target.Valid() {
		return false, fmt.Errorf("%w: status %d", domain.ErrInvalidInput, int(target))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status=$1, updated_at=$2 WHERE id=$3 AND status < $1`,
		int(target), s.now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id=$1`, id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

// AdvanceStatusForConversation applies AdvanceStatus to every message sent
// by senderID to recipientID and returns how many moved.
func (s *Store) AdvanceStatusForConversation(ctx context.Context, senderID, recipientID string, target domain.Status) (int64, error) {
	if !target.Valid() {
		return 0, fmt.Errorf("%w: status %d", domain.ErrInvalidInput, int(target))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status=$1, updated_at=$2 WHERE sender_id=$3 AND recipient_id=$4 AND status < $1`,
		int(target), s.now().UnixMilli(), senderID, recipientID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Edit replaces the text of a message. Only the sender may edit, and only
// within the edit window.
func (s *Store) Edit(ctx context.Context, id, editorID, newText string) (*domain.Message, error) {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return nil, domain.ErrEmptyContent
	}
	if utf8.RuneCountInString(newText) > domain.MaxTextLength {
		return nil, fmt.Errorf("%w: text longer than %d characters", domain.ErrInvalidInput, domain.MaxTextLength)
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if m.SenderID != editorID {
		return nil, fmt.Errorf("edit message %s: %w", id, domain.ErrForbidden)
	}
	if s.now().Sub(m.CreatedAt) > s.editWindow {
		return nil, fmt.Errorf("edit message %s: %w", id, domain.ErrEditWindowExpired)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text=$1, is_edited=$2, updated_at=$3 WHERE id=$4 AND is_deleted=false`,
		newText, true, s.now().UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	m.Content.Text = newText
	m.IsEdited = true
	return m, nil
}

// Delete hides a message. forEveryone requires the sender and clears the
// text; otherwise the requester is added to deletedFor.
func (s *Store) Delete(ctx context.Context, id, requesterID string, forEveryone bool) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if forEveryone {
		if m.SenderID != requesterID {
			return fmt.Errorf("delete message %s for everyone: %w", id, domain.ErrForbidden)
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE messages SET is_deleted=$1, text=NULL, updated_at=$2 WHERE id=$3`,
			true, s.now().UnixMilli(), id)
		return err
	}
	if m.SenderID != requesterID && m.RecipientID != requesterID {
		return fmt.Errorf("delete message %s: %w", id, domain.ErrForbidden)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_hidden (message_id, user_id) VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING`, id, requesterID)
	return err
}

// HideConversation tombstones every message between userID and otherID for
// userID only.
func (s *Store) HideConversation(ctx context.Context, userID, otherID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO message_hidden (message_id, user_id)
		SELECT m.id, $1 FROM messages m WHERE `+pairClause+`
		ON CONFLICT (message_id, user_id) DO NOTHING`, userID, otherID)
	return err
}

// ListConversation returns up to limit messages between userID and otherID
// visible to userID and created strictly before before (zero means now),
// oldest first.
func (s *Store) ListConversation(ctx context.Context, userID, otherID string, limit int, before time.Time) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	cursor := int64(math.MaxInt64)
	if !before.IsZero() {
		cursor = before.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages m
		WHERE `+pairClause+` AND `+visibleClause+` AND m.created_at < $3
		ORDER BY m.seq DESC LIMIT $4`, userID, otherID, cursor, limit)
	if err != nil {
		return nil, err
	}
	list, err := collect(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

// Search finds messages visible to userID whose text contains q, ignoring
// case, newest first. counterpartID narrows it to one conversation.
func (s *Store) Search(ctx context.Context, userID, q, counterpartID string) ([]*domain.Message, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fmt.Errorf("%w: empty search query", domain.ErrInvalidInput)
	}
	pattern := "%" + escapeLike(strings.ToLower(q)) + "%"

	var (
		rows *sql.Rows
		err  error
	)
	if counterpartID != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages m
			WHERE `+pairClause+` AND `+visibleClause+` AND LOWER(m.text) LIKE $3 ESCAPE '\'
			ORDER BY m.seq DESC LIMIT $4`, userID, counterpartID, pattern, SearchLimit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages m
			WHERE (m.sender_id=$1 OR m.recipient_id=$1) AND `+visibleClause+` AND LOWER(m.text) LIKE $2 ESCAPE '\'
			ORDER BY m.seq DESC LIMIT $3`, userID, pattern, SearchLimit)
	}
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// CountUnread counts messages from senderID to recipientID not yet read.
func (s *Store) CountUnread(ctx context.Context, recipientID, senderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE sender_id=$1 AND recipient_id=$2 AND status < $3`,
		senderID, recipientID, int(domain.StatusRead)).Scan(&n)
	return n, err
}

// Latest returns the newest message between a and b regardless of
// visibility. It is the source for re-deriving a chat's last-message pointer.
func (s *Store) Latest(ctx context.Context, a, b string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m
		WHERE `+pairClause+` ORDER BY m.seq DESC LIMIT 1`, a, b)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s/%s: %w", a, b, domain.ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*domain.Message, error) {
	var (
		m                      domain.Message
		text, media, mediaType sql.NullString
		status                 int
		created                int64
	)
	if err := sc.Scan(&m.ID, &m.SenderID, &m.RecipientID, &text, &media, &mediaType,
		&status, &m.IsEdited, &m.IsDeleted, &created); err != nil {
		return nil, err
	}
	m.Content = domain.Content{Text: text.String, MediaID: media.String, MediaType: mediaType.String}
	m.Status = domain.Status(status)
	m.CreatedAt = time.UnixMilli(created).UTC()
	return &m, nil
}

func collect(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var list []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
