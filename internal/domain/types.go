package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the delivery stage of a message. The zero value is StatusSent and
// the numeric order is the transition order.
type Status int

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the three known stages.
func (s Status) Valid() bool {
	return s >= StatusSent && s <= StatusRead
}

// After reports whether s is strictly later than other.
func (s Status) After(other Status) bool {
	return s > other
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseStatus(v string) (Status, error) {
	switch v {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, v)
}

const (
	MaxTextLength = 4096
	EditWindow    = 48 * time.Hour
)

var mediaTypes = map[string]bool{
	"image":    true,
	"video":    true,
	"audio":    true,
	"document": true,
}

// Content is the payload of a message: text, a media reference, or both.
type Content struct {
	Text      string `json:"text,omitempty"`
	MediaID   string `json:"mediaId,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// Normalize trims the text and validates the media reference. It returns
// ErrEmptyContent when neither text nor media is present.
func (c Content) Normalize() (Content, error) {
	c.Text = strings.TrimSpace(c.Text)
	c.MediaID = strings.TrimSpace(c.MediaID)
	if c.Text == "" && c.MediaID == "" {
		return c, ErrEmptyContent
	}
	if utf8.RuneCountInString(c.Text) > MaxTextLength {
		return c, fmt.Errorf("%w: text longer than %d characters", ErrInvalidInput, MaxTextLength)
	}
	if c.MediaID == "" {
		if c.MediaType != "" {
			return c, fmt.Errorf("%w: mediaType without mediaId", ErrInvalidInput)
		}
		return c, nil
	}
	if !mediaTypes[c.MediaType] {
		return c, fmt.Errorf("%w: unsupported mediaType %q", ErrInvalidInput, c.MediaType)
	}
	return c, nil
}

// Message is a direct message between two users.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Content     Content   `json:"content"`
	Status      Status    `json:"status"`
	IsEdited    bool      `json:"isEdited"`
	IsDeleted   bool      `json:"-"`
	DeletedFor  []string  `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HiddenFor reports whether userID has tombstoned the message locally.
func (m *Message) HiddenFor(userID string) bool {
	for _, u := range m.DeletedFor {
		if u == userID {
			return true
		}
	}
	return false
}

// Chat is the canonical record for an unordered pair of users.
type Chat struct {
	ID            string     `json:"id"`
	Participants  [2]string  `json:"participants"`
	LastMessageID string     `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Counterpart returns the participant that is not userID.
func (c *Chat) Counterpart(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Has reports whether userID participates in the chat.
func (c *Chat) Has(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// SortedPair returns a and b in ascending order. Chats are keyed on it.
func SortedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// User is the presence facet of an account.
type User struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	IsOnline    bool       `json:"isOnline"`
	LastSeenAt  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}
