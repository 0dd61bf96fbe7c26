package network

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the payload of a delivered gossip message. A returned
// error is logged and never affects other subscribers or forwarding.
type Handler func(topic string, payload []byte) error

// Subscription identifies one registered handler.
type Subscription struct {
	Topic string
	id    uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// TopicRegistry maps topic names to subscriber callbacks.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string][]subscriber
	nextID uint64
	logger *zap.Logger
}

// NewTopicRegistry creates an empty registry.
func NewTopicRegistry(logger *zap.Logger) *TopicRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopicRegistry{
		topics: make(map[string][]subscriber),
		logger: logger,
	}
}

// Subscribe registers handler under topic. Several handlers may share a topic.
func (r *TopicRegistry) Subscribe(topic string, handler Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.topics[topic] = append(r.topics[topic], subscriber{id: r.nextID, handler: handler})
	return Subscription{Topic: topic, id: r.nextID}
}

// Unsubscribe removes a handler. It returns false if it was not registered.
func (r *TopicRegistry) Unsubscribe(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.topics[sub.Topic]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		remaining := make([]subscriber, 0, len(subs)-1)
		remaining = append(remaining, subs[:i]...)
		remaining = append(remaining, subs[i+1:]...)
		if len(remaining) == 0 {
			delete(r.topics, sub.Topic)
		} else {
			r.topics[sub.Topic] = remaining
		}
		return true
	}
	return false
}

// Topics returns the topics with at least one subscriber, sorted.
func (r *TopicRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// SubscriberCount returns the number of handlers on topic.
func (r *TopicRegistry) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Publish invokes every current subscriber of topic with payload. Handler
// errors and panics are logged and counted as failed.
func (r *TopicRegistry) Publish(topic string, payload []byte) (delivered, failed int) {
	r.mu.RLock()
	subs := r.topics[topic]
	r.mu.RUnlock()

	for _, s := range subs {
		if err := r.invoke(s.handler, topic, payload); err != nil {
			failed++
			r.logger.Warn("subscriber failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (r *TopicRegistry) invoke(handler Handler, topic string, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panic: %v", rec)
		}
	}()
	return handler(topic, payload)
}
