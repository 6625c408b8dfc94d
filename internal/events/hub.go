// README: In-process pub/sub fanout; a slow subscriber never blocks a publisher or another subscriber.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBuffer = 64

type subKey struct {
	topic Topic
	key   string
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[subKey]map[*Subscription]struct{}
	applied *Projection
	buffer  int
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:    make(map[subKey]map[*Subscription]struct{}),
		applied: NewProjection(),
		buffer:  defaultBuffer,
		logger:  logger,
	}
}

// Subscription delivers events for one (topic, key). An empty key receives
// every event on the topic.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	mu    sync.Mutex
	k     subKey
	hub   *Hub
	close sync.Once
}

func (h *Hub) Subscribe(topic Topic, key string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, k: subKey{topic: topic, key: key}, hub: h}

	h.mu.Lock()
	set, ok := h.subs[s.k]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[s.k] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (s *Subscription) Close() {
	s.close.Do(func() {
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.k]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.k)
			}
		}
		s.hub.mu.Unlock()

		s.mu.Lock()
		close(s.ch)
		s.ch = nil
		s.mu.Unlock()
	})
}

// Publish applies e at most once per (topic, entity, version) and fans it out.
func (h *Hub) Publish(_ context.Context, e Event) error {
	h.Deliver(e)
	return nil
}

// Deliver is Publish that reports whether e was applied; a duplicate or
// older version is dropped and returns false.
func (h *Hub) Deliver(e Event) bool {
	if !h.applied.Apply(e) {
		return false
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, 4)
	for s := range h.subs[subKey{topic: e.Topic, key: e.Key}] {
		targets = append(targets, s)
	}
	if e.Key != "" {
		for s := range h.subs[subKey{topic: e.Topic}] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if dropped := s.offer(e); dropped {
			h.logger.Debug("subscriber lagging, dropped oldest event",
				zap.String("topic", string(e.Topic)), zap.String("key", s.k.key))
		}
	}
	return true
}

// offer enqueues without blocking; when the buffer is full the oldest queued
// event is discarded so the subscriber converges on the latest state.
func (s *Subscription) offer(e Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return false
	}
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}
