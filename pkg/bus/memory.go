package bus

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Bus. Unit tests and single-process deployments
// use it in place of a NATS connection; delivery is synchronous.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	bus     *Memory
	subject string
	handler func(*Msg)
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.subject]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Memory) handlers(subject string) []*memorySub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*memorySub, len(b.subs[subject]))
	copy(out, b.subs[subject])
	return out
}

func (b *Memory) Publish(subject string, data []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: memory bus closed", ErrUnavailable)
	}
	for _, sub := range b.handlers(subject) {
		sub.handler(&Msg{Subject: subject, Data: data})
	}
	return nil
}

func (b *Memory) Subscribe(subject string, handler func(*Msg)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: memory bus closed", ErrUnavailable)
	}
	sub := &memorySub{bus: b, subject: subject, handler: handler}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Request delivers to the first subscriber and waits for its response or
// context expiry.
func (b *Memory) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	handlers := b.handlers(subject)
	if len(handlers) == 0 {
		return nil, fmt.Errorf("%w: no responders on %s", ErrUnavailable, subject)
	}

	replyCh := make(chan []byte, 1)
	msg := &Msg{
		Subject: subject,
		Data:    data,
		respond: func(resp []byte) error {
			select {
			case replyCh <- resp:
			default:
			}
			return nil
		},
	}

	go handlers[0].handler(msg)

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", subject, ctx.Err())
	}
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*memorySub)
	return nil
}
