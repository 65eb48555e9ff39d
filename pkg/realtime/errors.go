package realtime

import (
	"errors"
	"fmt"

	"github.com/aussiebroadwan/carelink/pkg/domain"
)

var (
	// ErrNotConnected is returned without any network attempt when the
	// session is not connected.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrSendTimeout is the cause of a SendError when no ack arrived in time.
	ErrSendTimeout = errors.New("realtime: no acknowledgement before timeout")

	// ErrConnectionLost is the cause of a SendError when the connection went
	// away while waiting for the ack.
	ErrConnectionLost = errors.New("realtime: connection lost")
)

// SendError reports a chat send that did not produce a server message. The
// caller may resend; nothing is retried automatically.
type SendError struct {
	ConversationID domain.ConversationID
	Code           string
	Message        string
	Err            error
}

func (e *SendError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("realtime: send to %s rejected: %s: %s", e.ConversationID, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("realtime: send to %s failed: %v", e.ConversationID, e.Err)
	default:
		return fmt.Sprintf("realtime: send to %s failed: %s", e.ConversationID, e.Message)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// requestError is a response frame with ok=false.
type requestError struct {
	Method  string
	Code    string
	Message string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("realtime: %s rejected: %s: %s", e.Method, e.Code, e.Message)
}

// Is maps server-side auth failures onto domain.ErrUnauthenticated.
func (e *requestError) Is(target error) bool {
	return target == domain.ErrUnauthenticated && e.Code == codeUnauthorized
}
