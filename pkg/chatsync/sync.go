package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/aussiebroadwan/carelink/pkg/realtime"
	"github.com/aussiebroadwan/carelink/pkg/slogx"
)

const (
	DefaultPageSize     = 50
	DefaultUpdateBuffer = 64
)

// Transport is the realtime surface a conversation needs.
type Transport interface {
	JoinConversation(ctx context.Context, id domain.ConversationID) error
	OnMessage(id domain.ConversationID, handler realtime.MessageHandler) func()
	Send(ctx context.Context, id domain.ConversationID, content string) (domain.Message, error)
}

type Config struct {
	// PageSize is the history page limit.
	PageSize int
	// UpdateBuffer is the capacity of each conversation's Updates channel.
	UpdateBuffer int
}

func (c *Config) setDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = DefaultUpdateBuffer
	}
}

// Sync owns the open conversations. A conversation opened twice is shared.
type Sync struct {
	api       HistoryClient
	transport Transport
	cfg       Config
	logger    *slog.Logger

	mu   sync.Mutex
	open map[domain.ConversationID]*Conversation
}

func New(api HistoryClient, transport Transport, cfg Config, logger *slog.Logger) *Sync {
	cfg.setDefaults()
	return &Sync{
		api:       api,
		transport: transport,
		cfg:       cfg,
		logger:    slogx.Component(logger, "chatsync"),
		open:      make(map[domain.ConversationID]*Conversation),
	}
}

// Open subscribes to id's live events, joins its room and loads the newest
// history page. Live events that race with the fetch are merged into the
// same view, so the initial sequence has no duplicates.
func (s *Sync) Open(ctx context.Context, id domain.ConversationID) (*Conversation, error) {
	s.mu.Lock()
	if c, ok := s.open[id]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	c := newConversation(id, s, s.logger.With("conversation_id", id))

	// Subscribe first so nothing sent during the fetch is missed.
	c.unsubscribe = s.transport.OnMessage(id, c.receive)

	if err := s.transport.JoinConversation(ctx, id); err != nil {
		// The join intent is recorded and replayed on reconnect.
		c.logger.Warn("join failed, continuing with history only", "error", err)
	}

	page, exhausted, err := fetchPage(ctx, s.api, id, s.cfg.PageSize, "")
	if err != nil {
		c.unsubscribe()
		return nil, err
	}
	c.loaded(page, exhausted)

	s.mu.Lock()
	if existing, ok := s.open[id]; ok {
		s.mu.Unlock()
		c.unsubscribe()
		return existing, nil
	}
	s.open[id] = c
	s.mu.Unlock()

	c.logger.Debug("conversation opened", "messages", len(page))
	return c, nil
}

// Close stops forwarding id's events. The room is not left: other consumers
// may share the connection.
func (s *Sync) Close(id domain.ConversationID) error {
	s.mu.Lock()
	c, ok := s.open[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	c.Close()
	return nil
}

// CloseAll closes every open conversation.
func (s *Sync) CloseAll() {
	s.mu.Lock()
	open := make([]*Conversation, 0, len(s.open))
	for _, c := range s.open {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
}

func (s *Sync) forget(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[c.id] == c {
		delete(s.open, c.id)
	}
}

// ErrNotOpen is returned when closing a conversation that is not open.
var ErrNotOpen = errors.New("chatsync: conversation not open")
