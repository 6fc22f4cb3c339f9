package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/mmchat/dmcore/internal/chats"
	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/messages"
	"github.com/ageniuscoder/mmchat/dmcore/internal/metrics"
	"github.com/ageniuscoder/mmchat/dmcore/internal/presence"
	"github.com/ageniuscoder/mmchat/dmcore/internal/storage"
	"github.com/ageniuscoder/mmchat/dmcore/internal/storage/storagetest"
	"github.com/ageniuscoder/mmchat/dmcore/internal/users"
)

var errClosed = errors.New("connection closed")

type event struct {
	Name    string
	Payload any
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []event
	closed bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(name string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.events = append(c.events, event{Name: name, Payload: payload})
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) received(name string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e.Payload)
		}
	}
	return out
}

type fixture struct {
	db       *storage.DB
	coord    *Coordinator
	msgs     *messages.Store
	chats    *chats.Index
	users    *users.Store
	registry *presence.Local
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storagetest.NewDB(t)
	f := &fixture{
		db:       db,
		msgs:     messages.NewStore(db),
		users:    users.NewStore(db),
		registry: presence.NewLocal(),
	}
	f.chats = chats.NewIndex(db, f.msgs)
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := f.users.Create(ctx, id, id)
		require.NoError(t, err)
	}
	f.coord = New(f.msgs, f.chats, f.users, f.registry, opts...)
	return f
}

func TestSendToOnlineRecipient(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	aliceTab := newConn("a1")
	bobPhone, bobLaptop := newConn("b1"), newConn("b2")
	f.coord.Connect(ctx, "alice", aliceTab)
	f.coord.Connect(ctx, "bob", bobPhone)
	f.coord.Connect(ctx, "bob", bobLaptop)

	m, err := f.coord.Send(ctx, "alice", "bob", domain.Content{Text: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Content.Text)
	assert.Equal(t, domain.StatusDelivered, m.Status)

	for _, c := range []*fakeConn{bobPhone, bobLaptop} {
		got := c.received(EventMessageNew)
		require.Len(t, got, 1)
		p := got[0].(NewMessagePayload)
		assert.Equal(t, m.ID, p.ID)
		assert.Equal(t, "alice", p.SenderID)
		assert.Equal(t, "hello", p.Text)
	}
	assert.Empty(t, aliceTab.received(EventMessageNew), "no echo to the sender")

	delivered := aliceTab.received(EventMessageDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, DeliveredPayload{MessageID: m.ID, RecipientID: "bob"}, delivered[0])

	stored, err := f.msgs.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)

	chat, err := f.chats.FindByPair(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, m.ID, chat.LastMessageID)
}

func TestSendToOfflineRecipient(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	aliceTab := newConn("a1")
	f.coord.Connect(ctx, "alice", aliceTab)

	m, err := f.coord.Send(ctx, "alice", "bob", domain.Content{MediaID: "m-1", MediaType: "image"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, m.Status)
	assert.Empty(t, aliceTab.received(EventMessageDelivered))

	history, err := f.msgs.ListConversation(ctx, "bob", "alice", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusSent, history[0].Status)
}

func TestSendWhenPushFails(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	bob := newConn("b1")
	f.coord.Connect(ctx, "bob", bob)
	bob.close()

	m, err := f.coord.Send(ctx, "alice", "bob", domain.Content{Text: "hi"})
	require.NoError(t, err, "a failed push does not fail the send")
	assert.Equal(t, domain.StatusSent, m.Status)

	stored, err := f.msgs.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, stored.Status)
}

func TestSendRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	bob := newConn("b1")
	f.coord.Connect(ctx, "bob", bob)

	_, err := f.coord.Send(ctx, "alice", "bob", domain.Content{Text: "   "})
	assert.ErrorIs(t, err, domain.ErrEmptyContent)
	_, err = f.coord.Send(ctx, "alice", "alice", domain.Content{Text: "me"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.coord.Send(ctx, "alice", "", domain.Content{Text: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.coord.Send(ctx, "alice", "ghost", domain.Content{Text: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Empty(t, bob.received(EventMessageNew))
	history, err := f.msgs.ListConversation(ctx, "alice", "bob", 0, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = f.chats.FindByPair(ctx, "alice", "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type mockMessages struct {
	mock.Mock
}

func (m *mockMessages) Append(ctx context.Context, senderID, recipientID string, content domain.Content) (*domain.Message, error) {
	args := m.Called(ctx, senderID, recipientID, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *mockMessages) AdvanceStatus(ctx context.Context, id string, target domain.Status) (bool, error) {
	args := m.Called(ctx, id, target)
	return args.Bool(0), args.Error(1)
}

func (m *mockMessages) AdvanceStatusForConversation(ctx context.Context, senderID, recipientID string, target domain.Status) (int64, error) {
	args := m.Called(ctx, senderID, recipientID, target)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMessages) Get(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *mockMessages) Latest(ctx context.Context, a, b string) (*domain.Message, error) {
	args := m.Called(ctx, a, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

type mockChats struct {
	mock.Mock
}

func (m *mockChats) Resolve(ctx context.Context, a, b string) (string, error) {
	args := m.Called(ctx, a, b)
	return args.String(0), args.Error(1)
}

func (m *mockChats) Forget(ctx context.Context, a, b string) {
	m.Called(ctx, a, b)
}

func (m *mockChats) FindOrCreate(ctx context.Context, a, b string) (*domain.Chat, error) {
	args := m.Called(ctx, a, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chat), args.Error(1)
}

func (m *mockChats) Touch(ctx context.Context, chatID, messageID string, at time.Time) (bool, error) {
	args := m.Called(ctx, chatID, messageID, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockChats) Counterparts(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func TestSendPersistenceFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	msgs := new(mockMessages)
	idx := new(mockChats)
	coord := New(msgs, idx, f.users, f.registry)

	bob := newConn("b1")
	f.registry.Register("bob", bob)

	boom := errors.New("disk full")
	msgs.On("Append", mock.Anything, "alice", "bob", domain.Content{Text: "hi"}).Return(nil, boom)

	_, err := coord.Send(ctx, "alice", "bob", domain.Content{Text: "hi"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, bob.received(EventMessageNew))
	msgs.AssertExpectations(t)
	idx.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
	idx.AssertNotCalled(t, "Touch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendSurvivesChatIndexFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	idx := new(mockChats)
	coord := New(f.msgs, idx, f.users, f.registry)

	idx.On("Resolve", mock.Anything, "alice", "bob").Return("", errors.New("index down"))

	m, err := coord.Send(ctx, "alice", "bob", domain.Content{Text: "hi"})
	require.NoError(t, err)
	idx.AssertExpectations(t)

	// The pointer is re-derived from the stored message later.
	chat, err := f.coord.RepairChat(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, m.ID, chat.LastMessageID)
	got, err := f.chats.Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.LastMessageID)
}

// pairCache is an in-memory chats.PairCache.
type pairCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *pairCache) Get(_ context.Context, lo, hi string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[lo+"|"+hi], nil
}

func (c *pairCache) Set(_ context.Context, lo, hi, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[lo+"|"+hi] = chatID
	return nil
}

func (c *pairCache) Delete(_ context.Context, lo, hi string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, lo+"|"+hi)
	return nil
}

func TestSendRecoversFromStaleChatCache(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	cache := &pairCache{m: make(map[string]string)}
	idx := chats.NewIndex(f.db, f.msgs, chats.WithCache(cache))
	coord := New(f.msgs, idx, f.users, f.registry)

	// Another node cached a chat that has since been deleted.
	require.NoError(t, cache.Set(ctx, "alice", "bob", "deleted-chat"))

	m, err := coord.Send(ctx, "alice", "bob", domain.Content{Text: "hi"})
	require.NoError(t, err)

	chat, err := idx.FindByPair(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, m.ID, chat.LastMessageID)
	id, _ := cache.Get(ctx, "alice", "bob")
	assert.Equal(t, chat.ID, id)

	// The next send is served from the corrected entry.
	next, err := coord.Send(ctx, "bob", "alice", domain.Content{Text: "hey"})
	require.NoError(t, err)
	chat, err = idx.Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, chat.LastMessageID)
}

// seenOnArrival marks the conversation seen as soon as a message lands,
// the way an open chat window does.
type seenOnArrival struct {
	*fakeConn
	coord    *Coordinator
	readerID string
	senderID string
}

func (c *seenOnArrival) Send(name string, payload any) error {
	if err := c.fakeConn.Send(name, payload); err != nil {
		return err
	}
	if name == EventMessageNew {
		_, err := c.coord.MarkSeen(context.Background(), c.readerID, c.senderID)
		return err
	}
	return nil
}

func TestSendAckReportsReadBeforeDelivered(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	aliceTab := newConn("a1")
	f.coord.Connect(ctx, "alice", aliceTab)
	bob := &seenOnArrival{fakeConn: newConn("b1"), coord: f.coord, readerID: "bob", senderID: "alice"}
	f.coord.Connect(ctx, "bob", bob)

	m, err := f.coord.Send(ctx, "alice", "bob", domain.Content{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, m.Status, "the ack never trails the seen event")

	require.Len(t, aliceTab.received(EventMessageSeen), 1)
	assert.Empty(t, aliceTab.received(EventMessageDelivered), "read already covers delivered")

	stored, err := f.msgs.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, stored.Status)
}

func TestSendAckSurvivesStatusReloadFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	msgs := new(mockMessages)
	coord := New(msgs, f.chats, f.users, f.registry)
	f.registry.Register("bob", newConn("b1"))

	m := &domain.Message{ID: "m1", SenderID: "alice", RecipientID: "bob", Content: domain.Content{Text: "hi"}, Status: domain.StatusSent, CreatedAt: time.Unix(100, 0)}
	msgs.On("Append", mock.Anything, "alice", "bob", domain.Content{Text: "hi"}).Return(m, nil)
	msgs.On("AdvanceStatus", mock.Anything, "m1", domain.StatusDelivered).Return(true, nil)
	msgs.On("Get", mock.Anything, "m1").Return(nil, errors.New("db gone"))

	got, err := coord.Send(ctx, "alice", "bob", domain.Content{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
	msgs.AssertExpectations(t)
}

func TestMarkSeenSkipsDelivered(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	aliceTab := newConn("a1")
	f.coord.Connect(ctx, "alice", aliceTab)

	m1, err := f.coord.Send(ctx, "alice", "bob", domain.Content{Text: "one"})
	require.NoError(t, err)
	m2, err := f.coord.Send(ctx, "alice", "bob", domain.Content{Text: "two"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSent, m1.Status)

	n, err := f.coord.MarkSeen(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, id := range []string{m1.ID, m2.ID} {
		stored, err := f.msgs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRead, stored.Status)
	}
	seen := aliceTab.received(EventMessageSeen)
	require.Len(t, seen, 1)
	assert.Equal(t, SeenPayload{ReaderID: "bob", SenderID: "alice"}, seen[0])
	assert.Empty(t, aliceTab.received(EventMessageDelivered), "read never emits delivered")

	// Read is terminal: a later delivery attempt leaves it alone.
	changed, err := f.msgs.AdvanceStatus(ctx, m1.ID, domain.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	aliceTab, bobTab := newConn("a1"), newConn("b1")
	f.coord.Connect(ctx, "alice", aliceTab)
	f.coord.Connect(ctx, "bob", bobTab)

	_, err := f.coord.Send(ctx, "alice", "bob", domain.Content{Text: "one"})
	require.NoError(t, err)
	mine, err := f.coord.Send(ctx, "bob", "alice", domain.Content{Text: "reply"})
	require.NoError(t, err)

	n, err := f.coord.MarkRead(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	read := aliceTab.received(EventMessageRead)
	require.Len(t, read, 1)
	assert.Equal(t, ReadPayload{ReaderID: "bob"}, read[0])

	// Only the reader's inbound direction moves.
	stored, err := f.msgs.Get(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)

	_, err = f.coord.MarkRead(ctx, "bob", "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTyping(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	bob := newConn("b1")
	f.coord.Connect(ctx, "bob", bob)

	f.coord.StartTyping("alice", "bob")
	f.coord.StopTyping("alice", "bob")
	f.coord.StartTyping("bob", "carol")
	f.coord.StartTyping("bob", "bob")

	assert.Equal(t, []any{TypingPayload{UserID: "alice"}}, bob.received(EventTypingStart))
	assert.Equal(t, []any{TypingPayload{UserID: "alice"}}, bob.received(EventTypingStop))
}

func TestPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	lastSeen := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	f := setup(t, WithClock(func() time.Time { return lastSeen }))

	// carol shares a chat with alice; bob does not.
	_, err := f.chats.FindOrCreate(ctx, "alice", "carol")
	require.NoError(t, err)
	carol, bob := newConn("c1"), newConn("b1")
	f.coord.Connect(ctx, "carol", carol)
	f.coord.Connect(ctx, "bob", bob)

	tab1, tab2 := newConn("a1"), newConn("a2")
	f.coord.Connect(ctx, "alice", tab1)
	f.coord.Connect(ctx, "alice", tab2)
	assert.Equal(t, []any{OnlinePayload{UserID: "alice"}}, carol.received(EventUserOnline), "one announcement per transition")
	assert.Empty(t, bob.received(EventUserOnline), "no shared chat")

	u, err := f.users.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	f.coord.Disconnect(ctx, "alice", tab1)
	assert.Empty(t, carol.received(EventUserOffline), "alice still has a tab open")
	u, err = f.users.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	f.coord.Disconnect(ctx, "alice", tab2)
	assert.Equal(t, []any{OfflinePayload{UserID: "alice", LastSeen: lastSeen}}, carol.received(EventUserOffline))
	u, err = f.users.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
	require.NotNil(t, u.LastSeenAt)
	assert.True(t, lastSeen.Equal(*u.LastSeenAt))
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestDuplicateConnectIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := setup(t, WithFanout(FanoutAll))
	watcher := newConn("b1")
	f.coord.Connect(ctx, "bob", watcher)
	before := gaugeValue(t, metrics.ConnectionsActive)

	tab := newConn("a1")
	f.coord.Connect(ctx, "alice", tab)
	f.coord.Connect(ctx, "alice", tab)
	assert.Equal(t, before+1, gaugeValue(t, metrics.ConnectionsActive))
	assert.Len(t, watcher.received(EventUserOnline), 1)

	f.coord.Disconnect(ctx, "alice", tab)
	assert.Equal(t, before, gaugeValue(t, metrics.ConnectionsActive))
	assert.False(t, f.registry.Online("alice"))
	u, err := f.users.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
	assert.Len(t, watcher.received(EventUserOffline), 1)

	// A repeated disconnect of a gone connection changes nothing.
	f.coord.Disconnect(ctx, "alice", tab)
	assert.Equal(t, before, gaugeValue(t, metrics.ConnectionsActive))
	assert.Len(t, watcher.received(EventUserOffline), 1)
}

func TestPresenceFanoutAll(t *testing.T) {
	ctx := context.Background()
	f := setup(t, WithFanout(FanoutAll))
	bob := newConn("b1")
	f.coord.Connect(ctx, "bob", bob)

	alice := newConn("a1")
	f.coord.Connect(ctx, "alice", alice)
	assert.Equal(t, []any{OnlinePayload{UserID: "alice"}}, bob.received(EventUserOnline))
	assert.Empty(t, alice.received(EventUserOnline), "no self announcement")
}

// hookedUsers lets a test interleave a reconnect with an in-flight
// disconnect.
type hookedUsers struct {
	*users.Store
	onOffline func()
}

func (h *hookedUsers) SetOffline(ctx context.Context, id string, at time.Time) error {
	err := h.Store.SetOffline(ctx, id, at)
	if h.onOffline != nil {
		fn := h.onOffline
		h.onOffline = nil
		fn()
	}
	return err
}

func TestReconnectDuringDisconnectStaysOnline(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	hooked := &hookedUsers{Store: f.users}
	coord := New(f.msgs, f.chats, hooked, f.registry, WithFanout(FanoutAll))

	watcher := newConn("b1")
	coord.Connect(ctx, "bob", watcher)
	tab1, tab2 := newConn("a1"), newConn("a2")
	coord.Connect(ctx, "alice", tab1)

	// A new tab registers after the old one's offline write landed.
	hooked.onOffline = func() { f.registry.Register("alice", tab2) }
	coord.Disconnect(ctx, "alice", tab1)

	u, err := f.users.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.IsOnline, "the facet follows the live registry")
	assert.Empty(t, watcher.received(EventUserOffline))
}

func TestConcurrentFirstContactSharesOneChat(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.coord.Send(ctx, "alice", "bob", domain.Content{Text: "hi bob"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.coord.Send(ctx, "bob", "alice", domain.Content{Text: "hi alice"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := f.chats.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	latest, err := f.msgs.Latest(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NotNil(t, list[0].LastMessageAt)
	assert.False(t, list[0].LastMessageAt.Before(latest.CreatedAt))
}

func TestParseFanout(t *testing.T) {
	p, err := ParseFanout("all")
	require.NoError(t, err)
	assert.Equal(t, FanoutAll, p)
	_, err = ParseFanout("everyone")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
