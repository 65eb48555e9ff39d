package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/aussiebroadwan/carelink/pkg/idx"
)

var errAckTimeout = errors.New("ack timeout")

// request sends a req frame on the current link and waits for its res.
// It fails with ErrNotConnected before touching the network when there is
// no link.
func (s *Session) request(ctx context.Context, method string, params any) (frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return frame{}, fmt.Errorf("marshal %s params: %w", method, err)
	}

	s.mu.Lock()
	l := s.link
	if s.state != StateConnected || l == nil {
		s.mu.Unlock()
		return frame{}, ErrNotConnected
	}
	reqID := idx.New().String()
	ch := make(chan frame, 1)
	s.pending[reqID] = ch
	s.mu.Unlock()

	if err := l.write(frame{Type: frameRequest, ID: reqID, Method: method, Params: raw}, s.cfg.SendTimeout); err != nil {
		s.forget(reqID)
		return frame{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	timer := time.NewTimer(s.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f.Error != nil && f.Error.Code == codeDisconnected {
			return frame{}, ErrConnectionLost
		}
		if !f.ok() {
			return frame{}, responseError(method, f)
		}
		return f, nil
	case <-timer.C:
		s.forget(reqID)
		return frame{}, errAckTimeout
	case <-ctx.Done():
		s.forget(reqID)
		return frame{}, ctx.Err()
	}
}

func (s *Session) forget(reqID string) {
	s.mu.Lock()
	delete(s.pending, reqID)
	s.mu.Unlock()
}

// Send posts content to conv and returns the message as persisted by the
// server. While not connected it fails with ErrNotConnected without any
// network attempt; every other failure is a *SendError.
func (s *Session) Send(ctx context.Context, conv domain.ConversationID, content string) (domain.Message, error) {
	f, err := s.request(ctx, methodSendMessage, sendMessageParams{ConversationID: conv, Content: content})
	if err != nil {
		var reqErr *requestError
		switch {
		case errors.Is(err, ErrNotConnected):
			return domain.Message{}, err
		case errors.Is(err, errAckTimeout):
			return domain.Message{}, &SendError{ConversationID: conv, Err: ErrSendTimeout}
		case errors.As(err, &reqErr):
			return domain.Message{}, &SendError{ConversationID: conv, Code: reqErr.Code, Message: reqErr.Message, Err: reqErr}
		default:
			return domain.Message{}, &SendError{ConversationID: conv, Err: err}
		}
	}

	var msg domain.Message
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		return domain.Message{}, &SendError{ConversationID: conv, Err: fmt.Errorf("decode ack: %w", err)}
	}
	if msg.ID.IsZero() {
		return domain.Message{}, &SendError{ConversationID: conv, Message: "ack carried no message id"}
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conv
	}

	s.logger.Debug("message sent", "conversation_id", conv, "message_id", msg.ID)
	return msg, nil
}

// JoinConversation records the intent to receive conv's events. When
// connected the room is joined now; otherwise on the next Connect. The
// intent survives a failed join.
func (s *Session) JoinConversation(ctx context.Context, conv domain.ConversationID) error {
	s.mu.Lock()
	s.rooms[conv] = struct{}{}
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	err := s.sendJoin(ctx, conv)
	if errors.Is(err, ErrNotConnected) {
		// Dropped in between; the next Connect replays the intent.
		return nil
	}
	return err
}

// LeaveConversation drops the intent for conv and leaves the room when
// connected.
func (s *Session) LeaveConversation(ctx context.Context, conv domain.ConversationID) error {
	s.mu.Lock()
	delete(s.rooms, conv)
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	if _, err := s.request(ctx, methodLeaveConversation, conversationParams{ConversationID: conv}); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return fmt.Errorf("realtime: leave %s: %w", conv, err)
	}
	return nil
}

// Joined reports whether conv is among the recorded room intents.
func (s *Session) Joined(conv domain.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[conv]
	return ok
}

func (s *Session) sendJoin(ctx context.Context, conv domain.ConversationID) error {
	if _, err := s.request(ctx, methodJoinConversation, conversationParams{ConversationID: conv}); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		return fmt.Errorf("realtime: join %s: %w", conv, err)
	}
	return nil
}
