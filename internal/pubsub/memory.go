// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package pubsub is the Event Bus of spec.md §2 item 4: a topic-keyed
// fan-out broadcast used by the Signaling Gateway to push presence,
// directory, and text-message events to every connected client without
// the Gateway's connections knowing about each other. Voice signaling
// bypasses it entirely — the Orchestrator delivers those frames
// directly to the one connection they're for.
package pubsub

import (
	"context"
	"sync"

	"github.com/parlor-chat/parlor/internal/config"
)

// PubSub is the Event Bus abstraction: publish a message under a topic,
// subscribe to receive every message published under it. The in-memory
// implementation backs a single-instance deployment; the Redis
// implementation lets multiple gateway instances share one bus.
type PubSub interface {
	Publish(topic string, message []byte) error
	Subscribe(topic string) Subscription
	Close() error
}

// Subscription is one Subscribe call's live feed. With the Redis
// backend, Channel is closed once Close is called; the in-memory
// backend stops delivering to it on Close but does not close it.
type Subscription interface {
	Close() error
	Channel() <-chan []byte
}

// MakePubSub picks the Event Bus backend: Redis when configured, an
// in-process fan-out otherwise.
func MakePubSub(ctx context.Context, config *config.Config) (PubSub, error) {
	if config.Redis.Enabled {
		return makePubSubFromRedis(ctx, config)
	}
	return makeInMemoryPubSub(config)
}

func makeInMemoryPubSub(_ *config.Config) (PubSub, error) {
	return &inMemoryPubSub{
		subs: make(map[string]map[*inMemorySubscription]struct{}),
	}, nil
}

// inMemoryPubSub fans a Publish out to every live Subscribe on the same
// topic within this process. It backs the event bus when Redis is not
// configured, which is the default single-instance deployment.
type inMemoryPubSub struct {
	mu   sync.Mutex
	subs map[string]map[*inMemorySubscription]struct{}
}

func (ps *inMemoryPubSub) Publish(topic string, message []byte) error {
	ps.mu.Lock()
	subs := make([]*inMemorySubscription, 0, len(ps.subs[topic]))
	for s := range ps.subs[topic] {
		subs = append(subs, s)
	}
	ps.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- message:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (ps *inMemoryPubSub) Subscribe(topic string) Subscription {
	s := &inMemorySubscription{
		ps:    ps,
		topic: topic,
		ch:    make(chan []byte, 16),
	}

	ps.mu.Lock()
	if ps.subs[topic] == nil {
		ps.subs[topic] = make(map[*inMemorySubscription]struct{})
	}
	ps.subs[topic][s] = struct{}{}
	ps.mu.Unlock()

	return s
}

func (ps *inMemoryPubSub) Close() error {
	return nil
}

type inMemorySubscription struct {
	ps    *inMemoryPubSub
	topic string
	ch    chan []byte
}

func (s *inMemorySubscription) Close() error {
	s.ps.mu.Lock()
	if subs, ok := s.ps.subs[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.ps.subs, s.topic)
		}
	}
	s.ps.mu.Unlock()
	return nil
}

func (s *inMemorySubscription) Channel() <-chan []byte {
	return s.ch
}
