// Package chat is the websocket transport of the real-time core. It admits
// connections through the session gate and turns inbound frames into
// delivery operations.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/dmcore/internal/delivery"
	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/httpx"
	"github.com/ageniuscoder/mmchat/dmcore/internal/presence"
)

const opTimeout = 10 * time.Second

// Coordinator is the slice of delivery.Coordinator the transport drives.
type Coordinator interface {
	Send(ctx context.Context, senderID, recipientID string, content domain.Content) (*domain.Message, error)
	MarkRead(ctx context.Context, readerID, senderID string) (int64, error)
	MarkSeen(ctx context.Context, readerID, senderID string) (int64, error)
	StartTyping(fromID, toID string)
	StopTyping(fromID, toID string)
	Connect(ctx context.Context, userID string, conn presence.Conn)
	Disconnect(ctx context.Context, userID string, conn presence.Conn)
}

// Hub tracks the live clients of this process and routes their frames.
type Hub struct {
	coord Coordinator
	log   zerolog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(coord Coordinator, log zerolog.Logger) *Hub {
	return &Hub{
		coord:   coord,
		log:     log,
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) join(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	h.coord.Connect(ctx, c.UserID, c)
}

func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	h.coord.Disconnect(ctx, c.UserID, c)
}

// Len reports the number of live clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client. Their read pumps unregister them.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// dispatch runs one inbound frame to completion. Frames of a connection are
// handled in arrival order.
func (h *Hub) dispatch(c *Client, in inboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch in.Event {
	case delivery.EventMessageSend:
		var req sendRequest
		if err := decode(in.Data, &req); err != nil {
			h.fail(c, in, err)
			return
		}
		m, err := h.coord.Send(ctx, c.UserID, req.RecipientID, domain.Content{
			Text:      req.Text,
			MediaID:   req.MediaID,
			MediaType: req.MediaType,
		})
		if err != nil {
			h.fail(c, in, err)
			return
		}
		c.ack(in.Ack, ackData{Success: true, Message: m})

	case delivery.EventTypingStart, delivery.EventTypingStop:
		var req typingRequest
		if err := decode(in.Data, &req); err != nil {
			h.fail(c, in, err)
			return
		}
		if in.Event == delivery.EventTypingStart {
			h.coord.StartTyping(c.UserID, req.RecipientID)
		} else {
			h.coord.StopTyping(c.UserID, req.RecipientID)
		}

	case delivery.EventMessageRead, delivery.EventMessageSeen:
		var req readRequest
		if err := decode(in.Data, &req); err != nil {
			h.fail(c, in, err)
			return
		}
		mark := h.coord.MarkRead
		if in.Event == delivery.EventMessageSeen {
			mark = h.coord.MarkSeen
		}
		n, err := mark(ctx, c.UserID, req.SenderID)
		if err != nil {
			h.fail(c, in, err)
			return
		}
		c.ack(in.Ack, ackData{Success: true, Count: &n})

	default:
		h.fail(c, in, fmt.Errorf("%w: unknown event %q", domain.ErrInvalidInput, in.Event))
	}
}

func (h *Hub) fail(c *Client, in inboundFrame, err error) {
	ev := h.log.Debug()
	if httpx.Status(err) >= 500 {
		ev = h.log.Error()
	}
	ev.Err(err).Str("user_id", c.UserID).Str("event", in.Event).Msg("websocket event failed")
	c.ack(in.Ack, ackData{Error: httpx.Message(err)})
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", domain.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}
