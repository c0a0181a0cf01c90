// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package presence is the in-memory Presence Registry (spec.md §2
// item 3): a mapping of connection to user, broadcasting users_update
// to the Event Bus on every add/remove so every connected client can
// rebuild the full online-user list from one event.
package presence

import (
	"log/slog"
	"sync"

	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/pubsub"
)

// Registry tracks which users are currently online, keyed by their
// connection id. A single mutex guards the whole map (§5): mutation and
// broadcast snapshot happen under the lock, the publish happens after
// it's released.
type Registry struct {
	mu     sync.Mutex
	byConn map[string]events.UserView

	pubsub pubsub.PubSub
	logger *slog.Logger
}

// New constructs an empty Registry that publishes users_update onto ps.
func New(ps pubsub.PubSub, logger *slog.Logger) *Registry {
	return &Registry{
		byConn: make(map[string]events.UserView),
		pubsub: ps,
		logger: logger.With("component", "presence"),
	}
}

// Add registers connID as online as user and broadcasts the updated
// online-user list. Safe to call again for the same connID (replaces
// the user view, e.g. on reconnect with a refreshed avatar).
func (r *Registry) Add(connID string, user events.UserView) {
	snapshot := r.mutate(func() {
		r.byConn[connID] = user
	})
	r.broadcast(snapshot)
}

// Remove drops connID from presence, if present, and broadcasts the
// updated list. No-op (and no broadcast) if connID was never added —
// this keeps double-fire disconnects idempotent.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	if _, ok := r.byConn[connID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.broadcast(snapshot)
}

// Snapshot returns the current online-user list.
func (r *Registry) Snapshot() []events.UserView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []events.UserView {
	users := make([]events.UserView, 0, len(r.byConn))
	for _, u := range r.byConn {
		users = append(users, u)
	}
	return users
}

func (r *Registry) mutate(fn func()) []events.UserView {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	return r.snapshotLocked()
}

func (r *Registry) broadcast(users []events.UserView) {
	payload, err := events.MarshalOutbound(events.EventUsersUpdate, users)
	if err != nil {
		r.logger.Error("failed to marshal users_update", "error", err)
		return
	}
	if err := r.pubsub.Publish(events.TopicBroadcast, payload); err != nil {
		r.logger.Error("failed to publish users_update", "error", err)
	}
}
