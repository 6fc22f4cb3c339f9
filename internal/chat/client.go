package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 256
)

var (
	errClientClosed = errors.New("client closed")
	errSlowClient   = errors.New("client send buffer full")
)

// Client is one websocket connection of an admitted user. It is the
// presence.Conn the coordinator pushes through.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	UserID string

	mu     sync.Mutex
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     uuid.NewString(),
		UserID: userID,
	}
}

func (c *Client) ID() string { return c.id }

// Send queues an event frame. It never blocks: a client whose buffer is full
// is closed and the push reported as failed.
func (c *Client) Send(event string, payload any) error {
	b, err := json.Marshal(outboundFrame{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *Client) ack(id *int64, data ackData) {
	if id == nil {
		return
	}
	b, err := json.Marshal(outboundFrame{Event: eventAck, Ack: id, Data: data})
	if err != nil {
		c.hub.log.Error().Err(err).Str("conn_id", c.id).Msg("marshal ack")
		return
	}
	if err := c.enqueue(b); err != nil {
		c.hub.log.Debug().Err(err).Str("conn_id", c.id).Msg("ack dropped")
	}
}

func (c *Client) enqueue(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		// slow/broken client → drop
		c.closed = true
		close(c.send)
		return errSlowClient
	}
}

// close stops the write pump, which closes the socket and in turn ends the
// read pump.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("user_id", c.UserID).Msg("websocket closed")
			}
			return
		}
		var in inboundFrame
		if err := json.Unmarshal(msg, &in); err != nil {
			c.hub.log.Debug().Err(err).Str("user_id", c.UserID).Msg("malformed frame")
			continue
		}
		c.hub.dispatch(c, in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
