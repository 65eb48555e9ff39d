package realtime

import (
	"sync"

	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/google/uuid"
)

// MessageHandler receives messages for one conversation. Handlers run on the
// read goroutine in arrival order and must not block.
type MessageHandler func(domain.Message)

// registry holds message handlers keyed by conversation.
type registry struct {
	mu   sync.RWMutex
	subs map[domain.ConversationID]map[string]MessageHandler
}

func newRegistry() *registry {
	return &registry{subs: make(map[domain.ConversationID]map[string]MessageHandler)}
}

// add registers h and returns its unsubscribe func. Calling it more than
// once is harmless.
func (r *registry) add(conv domain.ConversationID, h MessageHandler) func() {
	id := uuid.NewString()

	r.mu.Lock()
	if r.subs[conv] == nil {
		r.subs[conv] = make(map[string]MessageHandler)
	}
	r.subs[conv][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(conv, id) })
	}
}

func (r *registry) remove(conv domain.ConversationID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.subs[conv]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.subs, conv)
		}
	}
}

// publish calls every handler subscribed to msg's conversation.
func (r *registry) publish(msg domain.Message) int {
	r.mu.RLock()
	handlers := make([]MessageHandler, 0, len(r.subs[msg.ConversationID]))
	for _, h := range r.subs[msg.ConversationID] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}
