package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aussiebroadwan/carelink/pkg/domain"
)

// ErrClosed is returned by operations on a closed conversation.
var ErrClosed = errors.New("chatsync: conversation closed")

// Update is one message that entered the view after Open returned. Index is
// its position at insertion time; later inserts may shift it.
type Update struct {
	Message domain.Message
	Index   int
}

// Conversation is the ordered, deduplicated view of one conversation.
// Order is CreatedAt ascending with the id as tie-break.
type Conversation struct {
	id     domain.ConversationID
	owner  *Sync
	logger *slog.Logger

	mu        sync.Mutex
	view      *view
	loading   bool
	exhausted bool
	closed    bool
	updates   chan Update

	unsubscribe func()
	closeOnce   sync.Once
}

func newConversation(id domain.ConversationID, owner *Sync, logger *slog.Logger) *Conversation {
	return &Conversation{
		id:      id,
		owner:   owner,
		logger:  logger,
		view:    newView(),
		loading: true,
		updates: make(chan Update, owner.cfg.UpdateBuffer),
	}
}

func (c *Conversation) ID() domain.ConversationID { return c.id }

// Messages returns a copy of the current sequence.
func (c *Conversation) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.snapshot()
}

// Updates delivers messages added after Open. When the consumer falls
// behind, updates are dropped; Messages stays complete. The channel is
// closed by Close.
func (c *Conversation) Updates() <-chan Update { return c.updates }

// Send posts content and merges the server's message into the view. The
// realtime echo of the same message is dropped as a duplicate.
func (c *Conversation) Send(ctx context.Context, content string) (domain.Message, error) {
	if c.isClosed() {
		return domain.Message{}, ErrClosed
	}
	msg, err := c.owner.transport.Send(ctx, c.id, content)
	if err != nil {
		return domain.Message{}, err
	}
	c.receive(msg)
	return msg, nil
}

// LoadEarlier fetches the page before the oldest known message and merges
// it. It returns how many messages were added; zero once history is
// exhausted.
func (c *Conversation) LoadEarlier(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.exhausted {
		c.mu.Unlock()
		return 0, nil
	}
	var before domain.MessageID
	if oldest, ok := c.view.oldest(); ok {
		before = oldest.ID
	}
	c.mu.Unlock()

	page, exhausted, err := fetchPage(ctx, c.owner.api, c.id, c.owner.cfg.PageSize, before)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, m := range page {
		if _, ok := c.view.insert(m); ok {
			added++
		}
	}
	if exhausted {
		c.exhausted = true
	}
	return added, nil
}

// Close stops forwarding live events and closes Updates. It is idempotent.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}

		c.mu.Lock()
		c.closed = true
		close(c.updates)
		c.mu.Unlock()

		c.owner.forget(c)
		c.logger.Debug("conversation closed")
	})
}

// loaded merges the first history page and ends the loading phase.
func (c *Conversation) loaded(page []domain.Message, exhausted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range page {
		c.view.insert(m)
	}
	c.exhausted = exhausted
	c.loading = false
}

// receive merges a live message. During loading it only joins the view;
// afterwards new messages are also published on Updates.
func (c *Conversation) receive(msg domain.Message) {
	if msg.ConversationID != c.id || msg.ID.IsZero() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	index, ok := c.view.insert(msg)
	if !ok || c.loading {
		return
	}

	select {
	case c.updates <- Update{Message: msg, Index: index}:
	default:
		c.logger.Warn("update buffer full, dropping update", "message_id", msg.ID)
	}
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
