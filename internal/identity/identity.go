// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package identity is the thin service over the Store that spec.md §2
// calls the Identity & Directory: resolve-or-create a user by
// username, list servers, create a server with a default channel, and
// append a channel under an existing server. Server and channel
// creation emit a domain event onto the Event Bus for the gateway to
// fan out; creating a user emits none.
package identity

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/gatewayerr"
	"github.com/parlor-chat/parlor/internal/pubsub"
	"github.com/parlor-chat/parlor/internal/store"
)

// defaultChannelName is the name of the channel created alongside a
// new server, matching the product's "general" convention.
const defaultChannelName = "general"

// Directory resolves users and manages the server/channel tree.
type Directory struct {
	store  store.Store
	pubsub pubsub.PubSub
	logger *slog.Logger
}

// New constructs a Directory over store, publishing domain events to ps.
func New(st store.Store, ps pubsub.PubSub, logger *slog.Logger) *Directory {
	return &Directory{
		store:  st,
		pubsub: ps,
		logger: logger.With("component", "identity"),
	}
}

// ResolveOrCreateUser returns the existing user with this username, or
// creates one. Two calls with the same username always return the same
// user.id (R3) — the check-then-insert runs inside Store.Update so it's
// atomic against concurrent logins.
func (d *Directory) ResolveOrCreateUser(username string) (store.User, error) {
	if username == "" {
		return store.User{}, gatewayerr.BadRequestf("username is required")
	}

	var result store.User
	err := d.store.Update(func(doc *store.Doc) error {
		if existing, ok := store.FindUserByUsername(*doc, username); ok {
			result = existing
			return nil
		}
		u := store.User{
			ID:        uuid.NewString(),
			Username:  username,
			CreatedAt: time.Now(),
		}
		doc.Users = append(doc.Users, u)
		result = u
		return nil
	})
	if err != nil {
		return store.User{}, gatewayerr.Internalf(err, "failed to resolve user")
	}
	return result, nil
}

// ListServers returns every server in the document.
func (d *Directory) ListServers() []store.Server {
	return d.store.Read().Servers
}

// CreateServer creates a new server with a default text channel and
// broadcasts server_created.
func (d *Directory) CreateServer(name string) (store.Server, error) {
	if name == "" {
		return store.Server{}, gatewayerr.BadRequestf("server name is required")
	}

	srv := store.Server{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
		Channels: []store.Channel{
			{
				ID:        uuid.NewString(),
				Name:      defaultChannelName,
				Type:      store.ChannelTypeText,
				CreatedAt: time.Now(),
			},
		},
	}

	if err := d.store.Update(func(doc *store.Doc) error {
		store.AddServer(doc, srv)
		return nil
	}); err != nil {
		return store.Server{}, gatewayerr.Internalf(err, "failed to create server")
	}

	d.publish(events.EventServerCreated, srv)
	return srv, nil
}

// CreateChannel appends a channel to an existing server and broadcasts
// channel_created. channelType defaults to text when empty.
func (d *Directory) CreateChannel(serverID, name string, channelType store.ChannelType) (store.Channel, error) {
	if name == "" {
		return store.Channel{}, gatewayerr.BadRequestf("channel name is required")
	}
	if channelType == "" {
		channelType = store.ChannelTypeText
	}
	if channelType != store.ChannelTypeText && channelType != store.ChannelTypeVoice {
		return store.Channel{}, gatewayerr.BadRequestf("invalid channel type %q", channelType)
	}

	ch := store.Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      channelType,
		CreatedAt: time.Now(),
	}

	var found bool
	if err := d.store.Update(func(doc *store.Doc) error {
		found = store.AddChannel(doc, serverID, ch)
		return nil
	}); err != nil {
		return store.Channel{}, gatewayerr.Internalf(err, "failed to create channel")
	}
	if !found {
		return store.Channel{}, gatewayerr.NotFoundf("server %q not found", serverID)
	}

	d.publish(events.EventChannelCreated, struct {
		ServerID string        `json:"server_id"`
		Channel  store.Channel `json:"channel"`
	}{ServerID: serverID, Channel: ch})
	return ch, nil
}

func (d *Directory) publish(event string, data any) {
	payload, err := events.MarshalOutbound(event, data)
	if err != nil {
		d.logger.Error("failed to marshal domain event", "event", event, "error", err)
		return
	}
	if err := d.pubsub.Publish(events.TopicBroadcast, payload); err != nil {
		d.logger.Error("failed to publish domain event", "event", event, "error", err)
	}
}
