package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kdlbs/orchestra/internal/common/logger"
)

// MemoryBus is an in-process Bus implementation. It is the default used
// by the Coordinator; a NATSBus is available for deployments that need
// to fan events out to external subscribers over the network.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string]map[string]*memorySubscription // pattern -> subID -> sub
	queues     map[string]map[string]*queueGroup         // pattern -> queue name -> group
	bufferSize int
	logger     *logger.Logger
	closed     bool
}

type memorySubscription struct {
	id      string
	pattern string
	handler Handler
	bus     *MemoryBus
	ch      chan *Event
}

func (s *memorySubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if m, ok := s.bus.subs[s.pattern]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(s.bus.subs, s.pattern)
		}
	}
}

type queueGroup struct {
	name    string
	members []*memorySubscription
	next    int
}

// NewMemoryBus constructs an in-memory event bus. bufferSize bounds each
// subscriber's delivery channel; a full channel drops the event for that
// subscriber rather than blocking the publisher.
func NewMemoryBus(bufferSize int, log *logger.Logger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBus{
		subs:       make(map[string]map[string]*memorySubscription),
		queues:     make(map[string]map[string]*queueGroup),
		bufferSize: bufferSize,
		logger:     log,
	}
}

func (b *MemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
		bus:     b,
		ch:      make(chan *Event, b.bufferSize),
	}
	if b.subs[pattern] == nil {
		b.subs[pattern] = make(map[string]*memorySubscription)
	}
	b.subs[pattern][sub.id] = sub
	go sub.run()
	return sub, nil
}

func (s *memorySubscription) run() {
	for e := range s.ch {
		s.handler(context.Background(), e)
	}
}

func (b *MemoryBus) QueueSubscribe(pattern, queue string, handler Handler) (Subscription, error) {
	sub, err := b.Subscribe(pattern, handler)
	if err != nil {
		return nil, err
	}
	ms := sub.(*memorySubscription)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queues[pattern] == nil {
		b.queues[pattern] = make(map[string]*queueGroup)
	}
	group, ok := b.queues[pattern][queue]
	if !ok {
		group = &queueGroup{name: queue}
		b.queues[pattern][queue] = group
	}
	group.members = append(group.members, ms)
	return sub, nil
}

func (b *MemoryBus) Publish(ctx context.Context, e *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	queued := make(map[string]bool)

	for pattern, groups := range b.queues {
		if !matches(pattern, e.Type) {
			continue
		}
		for _, g := range groups {
			b.publishToQueue(g, e)
			for _, m := range g.members {
				queued[m.id] = true
			}
		}
	}

	for pattern, subs := range b.subs {
		if !matches(pattern, e.Type) {
			continue
		}
		for _, sub := range subs {
			if queued[sub.id] {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				if b.logger != nil {
					b.logger.Warn("event dropped: subscriber buffer full",
					)
				}
			}
		}
	}
	return nil
}

func (b *MemoryBus) publishToQueue(g *queueGroup, e *Event) {
	if len(g.members) == 0 {
		return
	}
	for i := 0; i < len(g.members); i++ {
		idx := (g.next + i) % len(g.members)
		m := g.members[idx]
		select {
		case m.ch <- e:
			g.next = (idx + 1) % len(g.members)
			return
		default:
			continue
		}
	}
}

// Request publishes e with an ephemeral reply subject embedded under
// data["_reply_to"] and waits for a matching reply event published to
// that subject.
func (b *MemoryBus) Request(ctx context.Context, e *Event, timeout time.Duration) (*Event, error) {
	replySubject := "_inbox." + uuid.New().String()
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data["_reply_to"] = replySubject

	replyCh := make(chan *Event, 1)
	sub, err := b.Subscribe(replySubject, func(_ context.Context, reply *Event) {
		select {
		case replyCh <- reply:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, e); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("request to %s timed out after %s", e.Type, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.subs = make(map[string]map[string]*memorySubscription)
	b.queues = make(map[string]map[string]*queueGroup)
	return nil
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches implements NATS-style subject matching: "*" matches exactly
// one "."-delimited token, ">" matches one or more trailing tokens.
func matches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, pt := range pTokens {
		if pt == ">" {
			return i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if pt == "*" {
			continue
		}
		if pt != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
