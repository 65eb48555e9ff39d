package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/credstore"
	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/aussiebroadwan/carelink/pkg/idx"
	"github.com/aussiebroadwan/carelink/pkg/slogx"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSendTimeout      = 10 * time.Second
	DefaultPingInterval     = 25 * time.Second
)

// State of the realtime connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds realtime session configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://api.example.com/chat".
	URL string

	// HandshakeTimeout bounds dialing plus the authenticate exchange.
	HandshakeTimeout time.Duration

	// SendTimeout bounds every request waiting for its ack.
	SendTimeout time.Duration

	// PingInterval between keepalive pings. The connection is dropped when
	// no pong arrives within two intervals. Negative disables keepalive.
	PingInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// link is one live connection.
type link struct {
	conn *websocket.Conn
	done chan struct{}

	writeMu sync.Mutex
}

func (l *link) write(f frame, timeout time.Duration) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Session is the one realtime connection of the client, shared by every
// open conversation.
//
// Room joins are durable intents: they are remembered while disconnected
// and replayed on every successful Connect. The session never reconnects on
// its own; the owner watches OnStateChange and calls Connect again.
type Session struct {
	cfg    Config
	store  credstore.Store
	dialer *websocket.Dialer
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	link       *link
	generation uint64
	pending    map[string]chan frame
	rooms      map[domain.ConversationID]struct{}
	stateSubs  map[string]func(State)

	subs *registry
	wg   sync.WaitGroup
}

// New creates a disconnected session.
func New(cfg Config, store credstore.Store, logger *slog.Logger) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:       cfg,
		store:     store,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:    slogx.Component(logger, "realtime"),
		pending:   make(map[string]chan frame),
		rooms:     make(map[domain.ConversationID]struct{}),
		stateSubs: make(map[string]func(State)),
		subs:      newRegistry(),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn for every state transition and returns its
// unsubscribe func. fn runs on the goroutine that caused the transition.
func (s *Session) OnStateChange(fn func(State)) func() {
	id := uuid.NewString()

	s.mu.Lock()
	s.stateSubs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.stateSubs, id)
		s.mu.Unlock()
	}
}

// OnMessage registers handler for new messages in conv and returns its
// unsubscribe func. Messages for other conversations never reach it.
func (s *Session) OnMessage(conv domain.ConversationID, handler MessageHandler) func() {
	return s.subs.add(conv, handler)
}

// Connect dials the server and authenticates with the stored access token.
// It is a no-op while Connecting or Connected. Without a stored token it
// fails with domain.ErrUnauthenticated and does not dial.
//
// Rooms recorded with JoinConversation are rejoined before Connect returns.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() != StateDisconnected {
		return nil
	}

	token := credstore.ReadToken(ctx, s.store, credstore.KeyAccessToken, s.logger)
	if token == "" {
		return fmt.Errorf("realtime: connect: %w", domain.ErrUnauthenticated)
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.mu.Unlock()
	s.notify(StateConnecting)

	s.logger.Info("connecting", "url", s.cfg.URL, "access_fp", cryptox.FingerprintToken(token))

	conn, err := s.handshake(ctx, token)
	if err != nil {
		s.mu.Lock()
		current := s.generation == gen
		if current {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		if current {
			s.notify(StateDisconnected)
		}
		s.logger.Warn("connect failed", "error", err)
		return err
	}

	l := &link{conn: conn, done: make(chan struct{})}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: disconnected while connecting", ErrNotConnected)
	}
	s.link = l
	s.state = StateConnected
	rooms := make([]domain.ConversationID, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	if s.cfg.PingInterval > 0 {
		armKeepalive(l, s.cfg.PingInterval)
		s.wg.Add(1)
		go s.keepalive(l)
	}
	s.wg.Add(1)
	go s.readLoop(l)
	s.mu.Unlock()

	s.notify(StateConnected)
	s.logger.Info("connected", "rooms", len(rooms))

	for _, id := range rooms {
		if err := s.sendJoin(ctx, id); err != nil {
			s.logger.Warn("rejoin failed", "conversation_id", id, "error", err)
			if errors.Is(err, ErrNotConnected) {
				break
			}
		}
	}
	return nil
}

// handshake dials with the token as bearer credential, then completes the
// authenticate request before any other traffic.
func (s *Session) handshake(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("realtime: dial: %w", domain.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	// Unblock the reads below if the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	if err := s.authenticate(conn, token); err != nil {
		stop()
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		// ctx fired and closed conn after authenticate succeeded.
		return nil, ctx.Err()
	}
	return conn, nil
}

func (s *Session) authenticate(conn *websocket.Conn, token string) error {
	params, err := json.Marshal(authenticateParams{Token: token})
	if err != nil {
		return err
	}

	reqID := idx.New().String()
	req, err := json.Marshal(frame{Type: frameRequest, ID: reqID, Method: methodAuthenticate, Params: params})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("realtime: sending authenticate: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime: reading authenticate response: %w", err)
		}

		var resp frame
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		// Skip events during handshake
		if resp.Type != frameResponse || resp.ID != reqID {
			continue
		}
		if resp.ok() {
			return nil
		}
		return responseError(methodAuthenticate, resp)
	}
}

// Disconnect closes the connection and fails every request waiting for an
// ack. Room intents are kept for the next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.generation++
	prev := s.state
	l := s.link
	s.link = nil
	s.state = StateDisconnected
	pending := s.takePendingLocked()
	s.mu.Unlock()

	failPending(pending)
	if l != nil {
		closeLink(l, true)
	}
	if prev != StateDisconnected {
		s.logger.Info("disconnected")
		s.notify(StateDisconnected)
	}
}

// Close disconnects and waits for the connection goroutines to exit.
func (s *Session) Close() {
	s.Disconnect()
	s.wg.Wait()
}

// dropped handles a transport failure on l. It is a no-op when l is no
// longer the current link.
func (s *Session) dropped(l *link, cause error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.generation++
	s.link = nil
	s.state = StateDisconnected
	pending := s.takePendingLocked()
	s.mu.Unlock()

	failPending(pending)
	closeLink(l, false)
	s.logger.Warn("connection dropped", "error", cause, "pending", len(pending))
	s.notify(StateDisconnected)
}

func (s *Session) readLoop(l *link) {
	defer s.wg.Done()

	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			s.dropped(l, err)
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.logger.Warn("ws parse error", "error", err)
			continue
		}

		switch f.Type {
		case frameResponse:
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			if ok {
				delete(s.pending, f.ID)
			}
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		case frameEvent:
			s.dispatch(f)
		}
	}
}

func (s *Session) dispatch(f frame) {
	if f.Event != eventNewMessage {
		s.logger.Debug("ignoring event", "event", f.Event)
		return
	}

	var msg domain.Message
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		s.logger.Warn("bad new_message payload", "error", err)
		return
	}
	if msg.ConversationID == "" || msg.ID.IsZero() {
		s.logger.Warn("new_message without conversation or id", "message_id", msg.ID)
		return
	}
	s.subs.publish(msg)
}

// keepalive pings the server and drops the link when pongs stop.
func (s *Session) keepalive(l *link) {
	defer s.wg.Done()

	interval := s.cfg.PingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				// The read loop sees the broken connection and reports the drop.
				return
			}
		}
	}
}

// armKeepalive makes reads fail when no pong arrives within two intervals.
// It must run before the read loop starts.
func armKeepalive(l *link, interval time.Duration) {
	_ = l.conn.SetReadDeadline(time.Now().Add(2 * interval))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(2 * interval))
	})
}

func (s *Session) notify(state State) {
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (s *Session) takePendingLocked() map[string]chan frame {
	pending := s.pending
	s.pending = make(map[string]chan frame)
	return pending
}

func failPending(pending map[string]chan frame) {
	for id, ch := range pending {
		ch <- frame{
			Type:  frameResponse,
			ID:    id,
			Error: &frameError{Code: codeDisconnected, Message: "connection lost"},
		}
	}
}

func closeLink(l *link, graceful bool) {
	close(l.done)
	if graceful {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = l.conn.Close()
}

func responseError(method string, f frame) error {
	if f.Error == nil {
		return &requestError{Method: method, Code: "unknown", Message: "request rejected"}
	}
	return &requestError{Method: method, Code: f.Error.Code, Message: f.Error.Message}
}
