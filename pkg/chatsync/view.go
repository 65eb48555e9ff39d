package chatsync

import (
	"slices"

	"github.com/aussiebroadwan/carelink/pkg/domain"
)

// view is an ordered, id-unique message sequence. Not safe for concurrent
// use; Conversation guards it.
type view struct {
	messages []domain.Message
	ids      map[domain.MessageID]struct{}
}

func newView() *view {
	return &view{ids: make(map[domain.MessageID]struct{})}
}

// insert places msg by (CreatedAt, ID) and reports its index. A message
// whose id is already present is dropped and ok is false.
func (v *view) insert(msg domain.Message) (index int, ok bool) {
	if _, dup := v.ids[msg.ID]; dup {
		return -1, false
	}

	// Appending is the common case for live traffic.
	n := len(v.messages)
	if n == 0 || domain.CompareMessages(v.messages[n-1], msg) <= 0 {
		v.messages = append(v.messages, msg)
		v.ids[msg.ID] = struct{}{}
		return n, true
	}

	index, _ = slices.BinarySearchFunc(v.messages, msg, domain.CompareMessages)
	v.messages = slices.Insert(v.messages, index, msg)
	v.ids[msg.ID] = struct{}{}
	return index, true
}

func (v *view) oldest() (domain.Message, bool) {
	if len(v.messages) == 0 {
		return domain.Message{}, false
	}
	return v.messages[0], true
}

func (v *view) snapshot() []domain.Message {
	return slices.Clone(v.messages)
}
