// Package delivery moves messages and status events between connected users.
// It reconciles persistence, live presence and client acknowledgements into
// forward-only per-message status.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/metrics"
	"github.com/ageniuscoder/mmchat/dmcore/internal/presence"
)

// facetSyncAttempts bounds how often a connect/disconnect rewrites the
// stored presence facet while racing another transition for the same user.
const facetSyncAttempts = 3

type MessageStore interface {
	Append(ctx context.Context, senderID, recipientID string, content domain.Content) (*domain.Message, error)
	Get(ctx context.Context, id string) (*domain.Message, error)
	AdvanceStatus(ctx context.Context, id string, target domain.Status) (bool, error)
	AdvanceStatusForConversation(ctx context.Context, senderID, recipientID string, target domain.Status) (int64, error)
	Latest(ctx context.Context, a, b string) (*domain.Message, error)
}

type ChatIndex interface {
	Resolve(ctx context.Context, a, b string) (string, error)
	Forget(ctx context.Context, a, b string)
	FindOrCreate(ctx context.Context, a, b string) (*domain.Chat, error)
	Touch(ctx context.Context, chatID, messageID string, at time.Time) (bool, error)
	Counterparts(ctx context.Context, userID string) ([]string, error)
}

type PresenceStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	SetOnline(ctx context.Context, id string) error
	SetOffline(ctx context.Context, id string, at time.Time) error
}

// FanoutPolicy selects who hears user:online and user:offline.
type FanoutPolicy string

const (
	// FanoutContacts notifies online users that share a chat with the user.
	FanoutContacts FanoutPolicy = "contacts"
	// FanoutAll notifies every other online user.
	FanoutAll FanoutPolicy = "all"
)

func ParseFanout(v string) (FanoutPolicy, error) {
	switch FanoutPolicy(v) {
	case FanoutContacts, FanoutAll:
		return FanoutPolicy(v), nil
	}
	return "", fmt.Errorf("%w: unknown presence fan-out %q", domain.ErrInvalidInput, v)
}

type Coordinator struct {
	msgs     MessageStore
	chats    ChatIndex
	users    PresenceStore
	registry presence.Registry
	fanout   FanoutPolicy
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Coordinator)

func WithFanout(p FanoutPolicy) Option {
	return func(c *Coordinator) { c.fanout = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(msgs MessageStore, chats ChatIndex, users PresenceStore, registry presence.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		msgs:     msgs,
		chats:    chats,
		users:    users,
		registry: registry,
		fanout:   FanoutContacts,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send persists a message, points the pair's chat at it and pushes it to the
// recipient when reachable. A successful push fast-forwards the message to
// delivered and tells the sender's connections. The returned message carries
// the status reached during the call.
func (c *Coordinator) Send(ctx context.Context, senderID, recipientID string, content domain.Content) (*domain.Message, error) {
	content, err := content.Normalize()
	if err != nil {
		return nil, err
	}
	if recipientID == "" || recipientID == senderID {
		return nil, fmt.Errorf("%w: invalid recipient", domain.ErrInvalidInput)
	}
	ok, err := c.users.Exists(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, domain.ErrNotFound)
	}

	m, err := c.msgs.Append(ctx, senderID, recipientID, content)
	if err != nil {
		return nil, err
	}
	log := c.log.With().Str("message_id", m.ID).Str("sender_id", senderID).Str("recipient_id", recipientID).Logger()

	// The message is durable from here on. A failed chat update is repaired
	// from the latest message and must not fail the send.
	if err := c.touchChat(ctx, m); err != nil {
		log.Error().Err(err).Msg("chat pointer update failed")
	}

	if c.push(recipientID, EventMessageNew, newMessagePayload(m)) == 0 {
		metrics.MessagesSent.WithLabelValues("offline").Inc()
		log.Debug().Msg("recipient unreachable, message left as sent")
		return m, nil
	}
	metrics.MessagesSent.WithLabelValues("online").Inc()

	changed, err := c.msgs.AdvanceStatus(ctx, m.ID, domain.StatusDelivered)
	if err != nil {
		log.Error().Err(err).Msg("mark delivered failed")
		return m, nil
	}
	if changed {
		m.Status = domain.StatusDelivered
		metrics.StatusTransitions.WithLabelValues(domain.StatusDelivered.String()).Inc()
		c.push(senderID, EventMessageDelivered, DeliveredPayload{MessageID: m.ID, RecipientID: recipientID})
	}
	// The recipient may already have read it between the push and the
	// advance. The ack must not report less than the sender was shown.
	c.refreshStatus(ctx, m)
	return m, nil
}

func (c *Coordinator) refreshStatus(ctx context.Context, m *domain.Message) {
	stored, err := c.msgs.Get(ctx, m.ID)
	if err != nil {
		c.log.Error().Err(err).Str("message_id", m.ID).Msg("reload message status failed")
		return
	}
	if stored.Status.After(m.Status) {
		m.Status = stored.Status
	}
}

func (c *Coordinator) touchChat(ctx context.Context, m *domain.Message) error {
	id, err := c.chats.Resolve(ctx, m.SenderID, m.RecipientID)
	if err != nil {
		return err
	}
	_, err = c.chats.Touch(ctx, id, m.ID, m.CreatedAt)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	// Cached id of a chat deleted since.
	c.chats.Forget(ctx, m.SenderID, m.RecipientID)
	chat, err := c.chats.FindOrCreate(ctx, m.SenderID, m.RecipientID)
	if err != nil {
		return err
	}
	_, err = c.chats.Touch(ctx, chat.ID, m.ID, m.CreatedAt)
	return err
}

// RepairChat re-derives the pair's last-message pointer from the newest
// message, for sends that crashed between append and touch.
func (c *Coordinator) RepairChat(ctx context.Context, a, b string) (*domain.Chat, error) {
	m, err := c.msgs.Latest(ctx, a, b)
	if err != nil {
		return nil, err
	}
	chat, err := c.chats.FindOrCreate(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if _, err := c.chats.Touch(ctx, chat.ID, m.ID, m.CreatedAt); err != nil {
		return nil, err
	}
	chat.LastMessageID = m.ID
	at := m.CreatedAt
	chat.LastMessageAt = &at
	return chat, nil
}

// MarkRead marks everything senderID sent to readerID as read and notifies
// the sender with message:read.
func (c *Coordinator) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	return c.markConversationRead(ctx, readerID, senderID, EventMessageRead, ReadPayload{ReaderID: readerID})
}

// MarkSeen is MarkRead for the "opened this conversation" signal; the
// sender is notified with message:seen.
func (c *Coordinator) MarkSeen(ctx context.Context, readerID, senderID string) (int64, error) {
	return c.markConversationRead(ctx, readerID, senderID, EventMessageSeen, SeenPayload{ReaderID: readerID, SenderID: senderID})
}

// markConversationRead may move messages straight from sent to read. Delivery
// is a presence optimization and never gates the read signal.
func (c *Coordinator) markConversationRead(ctx context.Context, readerID, senderID, event string, payload any) (int64, error) {
	if senderID == "" || senderID == readerID {
		return 0, fmt.Errorf("%w: invalid sender", domain.ErrInvalidInput)
	}
	n, err := c.msgs.AdvanceStatusForConversation(ctx, senderID, readerID, domain.StatusRead)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StatusTransitions.WithLabelValues(domain.StatusRead.String()).Add(float64(n))
	}
	c.push(senderID, event, payload)
	return n, nil
}

// StartTyping routes a typing indicator. Offline targets drop it.
func (c *Coordinator) StartTyping(fromID, toID string) {
	c.typing(fromID, toID, EventTypingStart)
}

func (c *Coordinator) StopTyping(fromID, toID string) {
	c.typing(fromID, toID, EventTypingStop)
}

func (c *Coordinator) typing(fromID, toID, event string) {
	if toID == "" || toID == fromID {
		return
	}
	if c.push(toID, event, TypingPayload{UserID: fromID}) > 0 {
		metrics.TypingEvents.Inc()
	}
}

// Connect admits an authenticated connection into the registry. The first
// connection of a user marks them online and announces it.
func (c *Coordinator) Connect(ctx context.Context, userID string, conn presence.Conn) {
	added, first := c.registry.Register(userID, conn)
	if !added {
		c.log.Warn().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("connection already registered")
		return
	}
	metrics.ConnectionsActive.Inc()
	if !first {
		return
	}
	metrics.UsersOnline.Inc()

	online, _, err := c.syncFacet(ctx, userID, true)
	if err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Msg("mark online failed")
	}
	if online {
		c.log.Info().Str("user_id", userID).Msg("user online")
		c.broadcastPresence(ctx, userID, EventUserOnline, OnlinePayload{UserID: userID})
	}
}

// Disconnect removes a connection. Only the user's last connection marks them
// offline, stamps lastSeenAt and announces it.
func (c *Coordinator) Disconnect(ctx context.Context, userID string, conn presence.Conn) {
	removed, last := c.registry.Unregister(userID, conn)
	if !removed {
		return
	}
	metrics.ConnectionsActive.Dec()
	if !last {
		return
	}
	metrics.UsersOnline.Dec()

	online, lastSeen, err := c.syncFacet(ctx, userID, false)
	if err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Msg("mark offline failed")
	}
	if !online {
		c.log.Info().Str("user_id", userID).Time("last_seen", lastSeen).Msg("user offline")
		c.broadcastPresence(ctx, userID, EventUserOffline, OfflinePayload{UserID: userID, LastSeen: lastSeen})
	}
}

// syncFacet writes the stored facet, then re-reads the registry: a connect
// and a disconnect of the same user may finish their writes in either order,
// so the write is repeated until it agrees with the registry. It returns the
// state finally written.
func (c *Coordinator) syncFacet(ctx context.Context, userID string, online bool) (bool, time.Time, error) {
	var lastSeen time.Time
	for attempt := 0; attempt < facetSyncAttempts; attempt++ {
		var err error
		if online {
			err = c.users.SetOnline(ctx, userID)
		} else {
			lastSeen = c.now().UTC()
			err = c.users.SetOffline(ctx, userID, lastSeen)
		}
		if err != nil {
			return online, lastSeen, err
		}
		current := c.registry.Online(userID)
		if current == online {
			return online, lastSeen, nil
		}
		online = current
	}
	return online, lastSeen, nil
}

func (c *Coordinator) broadcastPresence(ctx context.Context, userID, event string, payload any) {
	for _, target := range c.presenceTargets(ctx, userID) {
		c.push(target, event, payload)
	}
}

func (c *Coordinator) presenceTargets(ctx context.Context, userID string) []string {
	var candidates []string
	switch c.fanout {
	case FanoutAll:
		candidates = c.registry.OnlineUsers()
	default:
		peers, err := c.chats.Counterparts(ctx, userID)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Str("user_id", userID).Msg("presence fan-out lookup failed")
		}
		candidates = peers
	}

	out := candidates[:0:0]
	for _, uid := range candidates {
		if uid != userID && c.registry.Online(uid) {
			out = append(out, uid)
		}
	}
	return out
}

// push queues event on every connection of userID and returns how many
// accepted it. A connection closing mid-push is the offline path, not an
// error.
func (c *Coordinator) push(userID, event string, payload any) int {
	sent := 0
	for _, conn := range c.registry.Lookup(userID) {
		if err := conn.Send(event, payload); err != nil {
			metrics.PushFailures.WithLabelValues(event).Inc()
			c.log.Debug().Err(err).Str("user_id", userID).Str("conn_id", conn.ID()).Str("event", event).Msg("push failed")
			continue
		}
		sent++
	}
	return sent
}
