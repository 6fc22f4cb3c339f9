package chat

import (
	"encoding/json"

	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
)

const eventAck = "ack"

// inboundFrame is what clients send: {"event", "data", "ack"?}. A present
// ack id asks for an acknowledgement frame.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   *int64          `json:"ack,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data"`
}

type ackData struct {
	Success bool            `json:"success"`
	Message *domain.Message `json:"message,omitempty"`
	Count   *int64          `json:"count,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type sendRequest struct {
	RecipientID string `json:"recipientId"`
	Text        string `json:"text"`
	MediaID     string `json:"mediaId"`
	MediaType   string `json:"mediaType"`
}

type typingRequest struct {
	RecipientID string `json:"recipientId"`
}

type readRequest struct {
	SenderID string `json:"senderId"`
}
