package chatsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/apiclient"
	"github.com/aussiebroadwan/carelink/pkg/chatsync"
	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/aussiebroadwan/carelink/pkg/realtime"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, sec int) domain.Message {
	return domain.Message{
		ID:             domain.MessageID(id),
		ConversationID: "c1",
		Content:        "message " + id,
		CreatedAt:      t0.Add(time.Duration(sec) * time.Second),
	}
}

func ids(messages []domain.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID.String()
	}
	return out
}

// fakeHistory serves canned pages keyed by the before cursor.
type fakeHistory struct {
	mu     sync.Mutex
	pages  map[string]any
	paths  []string
	err    error
	during func()
}

func (f *fakeHistory) Request(_ context.Context, method, path string, _ any) (*apiclient.Response, error) {
	f.mu.Lock()
	f.paths = append(f.paths, method+" "+path)
	during := f.during
	f.mu.Unlock()

	if during != nil {
		during()
	}
	if f.err != nil {
		return nil, f.err
	}

	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	page, ok := f.pages[u.Query().Get("before")]
	if !ok {
		page = []domain.Message{}
	}
	if raw, isRaw := page.(string); isRaw {
		return &apiclient.Response{StatusCode: 200, Body: []byte(raw)}, nil
	}
	body, err := json.Marshal(map[string]any{"messages": page})
	if err != nil {
		return nil, err
	}
	return &apiclient.Response{StatusCode: 200, Body: body}, nil
}

// fakeTransport records joins and fans out delivered messages.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[domain.ConversationID]map[int]realtime.MessageHandler
	next     int
	joins    []domain.ConversationID
	sendID   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[domain.ConversationID]map[int]realtime.MessageHandler), sendID: 100}
}

func (f *fakeTransport) JoinConversation(_ context.Context, id domain.ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, id)
	return nil
}

func (f *fakeTransport) OnMessage(id domain.ConversationID, h realtime.MessageHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[id] == nil {
		f.handlers[id] = make(map[int]realtime.MessageHandler)
	}
	f.next++
	key := f.next
	f.handlers[id][key] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[id], key)
	}
}

func (f *fakeTransport) Send(_ context.Context, id domain.ConversationID, content string) (domain.Message, error) {
	f.mu.Lock()
	f.sendID++
	n := f.sendID
	f.mu.Unlock()
	return domain.Message{
		ID:             domain.MessageID(fmt.Sprint(n)),
		ConversationID: id,
		Content:        content,
		CreatedAt:      t0.Add(time.Hour),
	}, nil
}

func (f *fakeTransport) deliver(m domain.Message) {
	f.mu.Lock()
	hs := make([]realtime.MessageHandler, 0, len(f.handlers[m.ConversationID]))
	for _, h := range f.handlers[m.ConversationID] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (f *fakeTransport) subscribers(id domain.ConversationID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[id])
}

func drain(ch <-chan chatsync.Update) []chatsync.Update {
	var out []chatsync.Update
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestOpenOrdersHistoryAscending(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{pages: map[string]any{"": []domain.Message{msg("3", 30), msg("2", 20), msg("1", 10)}}}
	transport := newFakeTransport()
	s := chatsync.New(history, transport, chatsync.Config{}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.Equal(t, []string{"1", "2", "3"}, ids(c.Messages()))
	require.Equal(t, []domain.ConversationID{"c1"}, transport.joins)
	require.Equal(t, []string{"GET /conversations/c1/messages?limit=50"}, history.paths)
}

func TestLiveEventDuringOpenIsDeduplicated(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	history := &fakeHistory{
		pages:  map[string]any{"": []domain.Message{msg("2", 20), msg("1", 10)}},
		during: func() { transport.deliver(msg("2", 20)) },
	}
	s := chatsync.New(history, transport, chatsync.Config{}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.Equal(t, []string{"1", "2"}, ids(c.Messages()))
	require.Empty(t, drain(c.Updates()), "messages known at open are not updates")
}

func TestOutOfOrderLiveArrival(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	history := &fakeHistory{pages: map[string]any{"": []domain.Message{msg("2", 20), msg("1", 10)}}}
	s := chatsync.New(history, transport, chatsync.Config{}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	transport.deliver(msg("4", 40))
	transport.deliver(msg("3", 30))
	transport.deliver(msg("4", 40))

	require.Equal(t, []string{"1", "2", "3", "4"}, ids(c.Messages()))

	updates := drain(c.Updates())
	require.Len(t, updates, 2)
	require.Equal(t, domain.MessageID("4"), updates[0].Message.ID)
	require.Equal(t, 2, updates[0].Index)
	require.Equal(t, domain.MessageID("3"), updates[1].Message.ID)
	require.Equal(t, 2, updates[1].Index)
}

func TestOtherConversationsAreIgnored(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	s := chatsync.New(&fakeHistory{}, transport, chatsync.Config{}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	other := msg("9", 90)
	other.ConversationID = "c2"
	transport.deliver(other)

	require.Empty(t, c.Messages())
}

func TestSendMergesAckAndDropsEcho(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	s := chatsync.New(&fakeHistory{pages: map[string]any{"": []domain.Message{msg("1", 10)}}}, transport, chatsync.Config{}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	sent, err := c.Send(t.Context(), "hello doctor")
	require.NoError(t, err)
	require.Equal(t, domain.MessageID("101"), sent.ID)

	transport.deliver(sent)

	require.Equal(t, []string{"1", "101"}, ids(c.Messages()))
	require.Len(t, drain(c.Updates()), 1)
}

func TestCloseStopsForwarding(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	s := chatsync.New(&fakeHistory{}, transport, chatsync.Config{}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, 1, transport.subscribers("c1"))

	require.NoError(t, s.Close("c1"))
	require.Equal(t, 0, transport.subscribers("c1"))

	_, open := <-c.Updates()
	require.False(t, open)

	_, err = c.Send(t.Context(), "hello")
	require.ErrorIs(t, err, chatsync.ErrClosed)
	require.ErrorIs(t, s.Close("c1"), chatsync.ErrNotOpen)

	// Closing again is harmless.
	c.Close()
}

func TestOpenTwiceSharesConversation(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	history := &fakeHistory{}
	s := chatsync.New(history, transport, chatsync.Config{}, nil)

	a, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	b, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(s.CloseAll)

	require.Same(t, a, b)
	require.Len(t, history.paths, 1)
}

func TestOpenFailureUnsubscribes(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	s := chatsync.New(&fakeHistory{err: errors.New("boom")}, transport, chatsync.Config{}, nil)

	_, err := s.Open(t.Context(), "c1")
	require.Error(t, err)
	require.Equal(t, 0, transport.subscribers("c1"))
}

func TestLoadEarlier(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{pages: map[string]any{
		"":  []domain.Message{msg("4", 40), msg("3", 30)},
		"3": []domain.Message{msg("2", 20), msg("1", 10)},
	}}
	s := chatsync.New(history, newFakeTransport(), chatsync.Config{PageSize: 2}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	added, err := c.LoadEarlier(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, []string{"1", "2", "3", "4"}, ids(c.Messages()))

	// Cursor "1" has no page, which marks history as exhausted.
	added, err = c.LoadEarlier(t.Context())
	require.NoError(t, err)
	require.Zero(t, added)

	added, err = c.LoadEarlier(t.Context())
	require.NoError(t, err)
	require.Zero(t, added)
	require.Len(t, history.paths, 3)
	require.True(t, strings.HasSuffix(history.paths[1], "before=3&limit=2"))
}

func TestForeignRowsDoNotEndHistory(t *testing.T) {
	t.Parallel()

	foreign := msg("x", 35)
	foreign.ConversationID = "c2"
	history := &fakeHistory{pages: map[string]any{
		"":  []domain.Message{msg("4", 40), foreign},
		"4": []domain.Message{msg("2", 20), msg("1", 10)},
	}}
	s := chatsync.New(history, newFakeTransport(), chatsync.Config{PageSize: 2}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.Equal(t, []string{"4"}, ids(c.Messages()))

	// The first page was full as sent, so older history is still fetched.
	added, err := c.LoadEarlier(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, []string{"1", "2", "4"}, ids(c.Messages()))
	require.True(t, strings.HasSuffix(history.paths[1], "before=4&limit=2"))
}

func TestBareArrayWithNumericIDs(t *testing.T) {
	t.Parallel()

	at := t0.Format(time.RFC3339)
	body := fmt.Sprintf(`[{"id":10,"conversationId":"c1","createdAt":%q},{"id":9,"conversationId":"c1","createdAt":%q}]`, at, at)
	s := chatsync.New(&fakeHistory{pages: map[string]any{"": body}}, newFakeTransport(), chatsync.Config{}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.Equal(t, []string{"9", "10"}, ids(c.Messages()))
}

func TestSlowConsumerKeepsCompleteView(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	s := chatsync.New(&fakeHistory{}, transport, chatsync.Config{UpdateBuffer: 1}, nil)

	c, err := s.Open(t.Context(), "c1")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	for i := 1; i <= 3; i++ {
		transport.deliver(msg(fmt.Sprint(i), i))
	}

	require.Equal(t, []string{"1", "2", "3"}, ids(c.Messages()))
	require.Len(t, drain(c.Updates()), 1)
}
