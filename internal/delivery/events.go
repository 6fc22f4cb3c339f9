package delivery

import (
	"time"

	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
)

// Event names are the wire contract with clients.
const (
	EventMessageSend      = "message:send"
	EventMessageNew       = "message:new"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMessageSeen      = "message:seen"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventUserOnline       = "user:online"
	EventUserOffline      = "user:offline"
)

type NewMessagePayload struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Text        string    `json:"text,omitempty"`
	MediaID     string    `json:"mediaId,omitempty"`
	MediaType   string    `json:"mediaType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newMessagePayload(m *domain.Message) NewMessagePayload {
	return NewMessagePayload{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Content.Text,
		MediaID:     m.Content.MediaID,
		MediaType:   m.Content.MediaType,
		CreatedAt:   m.CreatedAt,
	}
}

type DeliveredPayload struct {
	MessageID   string `json:"messageId"`
	RecipientID string `json:"recipientId"`
}

type ReadPayload struct {
	ReaderID string `json:"readerId"`
}

type SeenPayload struct {
	ReaderID string `json:"readerId"`
	SenderID string `json:"senderId"`
}

type TypingPayload struct {
	UserID string `json:"userId"`
}

type OnlinePayload struct {
	UserID string `json:"userId"`
}

type OfflinePayload struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}
