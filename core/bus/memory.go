package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is a published message recorded by MemoryBus.
type Message struct {
	Topic   string
	Payload []byte
}

type subscription struct {
	pattern Pattern
	handler Handler
}

// MemoryBus is an in-process MessageBus. Published messages are recorded and
// delivered synchronously to matching subscribers.
type MemoryBus struct {
	// FailOn, when set, makes Publish return its error for matching topics.
	FailOn func(topic string) error

	mu   sync.Mutex
	subs []subscription
	sent []Message
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

// Encode marshals payload to JSON unless it already is raw bytes.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Publish implements MessageBus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.FailOn != nil {
		if err := b.FailOn(topic); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.sent = append(b.sent, Message{Topic: topic, Payload: data})
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if params, ok := s.pattern.Match(topic); ok {
			s.handler(ctx, topic, data, params)
		}
	}
	return nil
}

// Subscribe implements MessageBus.
func (b *MemoryBus) Subscribe(pattern string, h Handler) error {
	p, err := Compile(pattern)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, subscription{pattern: p, handler: h})
	b.mu.Unlock()
	return nil
}

// Messages returns every message published on topics matching pattern. An
// empty pattern returns all messages.
func (b *MemoryBus) Messages(pattern string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pattern == "" {
		return append([]Message(nil), b.sent...)
	}
	p, err := Compile(pattern)
	if err != nil {
		return nil
	}
	var out []Message
	for _, m := range b.sent {
		if _, ok := p.Match(m.Topic); ok {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	b.sent = nil
	b.mu.Unlock()
}

var _ MessageBus = (*MemoryBus)(nil)
