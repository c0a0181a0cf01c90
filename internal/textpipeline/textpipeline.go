// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package textpipeline implements the Text Message Pipeline (spec.md
// §2 item 6, §4.4): append a message to a channel's transcript and
// broadcast it to every connected client, in the order the Store
// applies the writes (I7).
package textpipeline

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/gatewayerr"
	"github.com/parlor-chat/parlor/internal/pubsub"
	"github.com/parlor-chat/parlor/internal/store"
)

// Pipeline appends messages to the store and fans them out.
type Pipeline struct {
	// mu holds each append together with its broadcast, so new_message
	// frames are published in the order the Store applied the appends.
	mu sync.Mutex

	store  store.Store
	pubsub pubsub.PubSub
	logger *slog.Logger
}

// New constructs a Pipeline over st, publishing new_message to ps.
func New(st store.Store, ps pubsub.PubSub, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: st, pubsub: ps, logger: logger.With("component", "textpipeline")}
}

// newMessagePayload is the new_message broadcast shape (spec.md §4.4).
type newMessagePayload struct {
	ServerID  string        `json:"server_id"`
	ChannelID string        `json:"channel_id"`
	Message   store.Message `json:"message"`
}

// SendMessage implements send_message: looks up channelID (scoped to
// serverID), appends a freshly stamped Message, persists it, and
// broadcasts new_message. The Store's Update lock orders the appends
// (I7); p.mu keeps each append and its broadcast together so the
// broadcasts follow that same order.
func (p *Pipeline) SendMessage(serverID, channelID, content string, user events.UserView) (store.Message, error) {
	if content == "" {
		return store.Message{}, gatewayerr.BadRequestf("content is required")
	}

	msg := store.NewMessage(uuid.NewString(), content, store.UserRef{
		ID:       user.ID,
		Username: user.Username,
		Avatar:   user.AvatarURL,
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	var found bool
	if err := p.store.Update(func(doc *store.Doc) error {
		found = store.AppendMessage(doc, channelID, msg)
		return nil
	}); err != nil {
		return store.Message{}, gatewayerr.Internalf(err, "failed to append message")
	}
	if !found {
		return store.Message{}, gatewayerr.NotFoundf("channel %q not found", channelID)
	}

	p.publish(serverID, channelID, msg)
	return msg, nil
}

func (p *Pipeline) publish(serverID, channelID string, msg store.Message) {
	payload, err := events.MarshalOutbound(events.EventNewMessage, newMessagePayload{
		ServerID:  serverID,
		ChannelID: channelID,
		Message:   msg,
	})
	if err != nil {
		p.logger.Error("failed to marshal new_message", "error", err)
		return
	}
	if err := p.pubsub.Publish(events.TopicBroadcast, payload); err != nil {
		p.logger.Error("failed to publish new_message", "error", err)
	}
}
