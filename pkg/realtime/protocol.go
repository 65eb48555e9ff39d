package realtime

import (
	"encoding/json"

	"github.com/aussiebroadwan/carelink/pkg/domain"
)

// Frame types.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// Request methods.
const (
	methodAuthenticate      = "authenticate"
	methodJoinConversation  = "join_conversation"
	methodLeaveConversation = "leave_conversation"
	methodSendMessage       = "send_message"
)

// Events.
const (
	eventNewMessage = "new_message"
)

// Error codes the server uses in response frames.
const (
	codeUnauthorized = "unauthorized"
	codeDisconnected = "disconnected"
)

// frame is one JSON message on the wire.
type frame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *frameError     `json:"error,omitempty"`   // response error
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f frame) ok() bool { return f.OK != nil && *f.OK }

type authenticateParams struct {
	Token string `json:"token"`
}

type conversationParams struct {
	ConversationID domain.ConversationID `json:"conversationId"`
}

type sendMessageParams struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	Content        string                `json:"content"`
}
