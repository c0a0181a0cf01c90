// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package gateway

import (
	"context"
	"encoding/json"

	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/gatewayerr"
	"github.com/parlor-chat/parlor/internal/sfu"
)

// onUserOnline registers the connection's identity with presence, then
// catches it up per spec.md §4.3: the full online-user list, plus a
// voice_channel_users_update for every currently non-empty channel.
func (h *Handler) onUserOnline(conn *connection, env events.Envelope) error {
	var payload events.UserOnlinePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return gatewayerr.BadRequestf("invalid user_online payload")
	}
	if payload.User.ID == "" {
		return gatewayerr.BadRequestf("user.id is required")
	}

	conn.mu.Lock()
	conn.user = payload.User
	conn.mu.Unlock()

	h.presence.Add(conn.id, payload.User)

	for _, snap := range h.membership.Snapshot() {
		h.sendFrame(conn, events.Outbound{
			Event: events.EventVoiceChannelUsersUpdate,
			Data: events.VoiceChannelUsersUpdatePayload{
				ChannelID: snap.ChannelID,
				Users:     snap.Users,
			},
		})
	}
	return nil
}

func (h *Handler) onSendMessage(_ *connection, env events.Envelope) error {
	var payload events.SendMessagePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return gatewayerr.BadRequestf("invalid send_message payload")
	}
	_, err := h.text.SendMessage(payload.ServerID, payload.ChannelID, payload.Content, payload.User)
	return err
}

// onJoinVoiceChannel implements spec.md §4.2 join. It has no ack of
// its own (table: "no (multi-step reply)") — the Orchestrator pushes
// router-rtp-capabilities and existing-producers directly once join
// succeeds.
func (h *Handler) onJoinVoiceChannel(ctx context.Context, conn *connection, env events.Envelope) error {
	var payload events.JoinVoiceChannelPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return gatewayerr.BadRequestf("invalid join_voice_channel payload")
	}
	if payload.ChannelID == "" {
		return gatewayerr.BadRequestf("channel_id is required")
	}

	conn.mu.Lock()
	user := conn.user
	conn.mu.Unlock()
	if user.ID == "" {
		return gatewayerr.InvalidStatef("connection must send user_online before joining a voice channel")
	}

	return h.voice.Join(ctx, conn.id, payload.ChannelID, payload.UserID, user)
}

func (h *Handler) onLeaveVoiceChannel(conn *connection) error {
	return h.voice.Leave(conn.id)
}

func (h *Handler) onCreateTransport(ctx context.Context, conn *connection, env events.Envelope) (any, error) {
	var payload events.CreateTransportPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, gatewayerr.BadRequestf("invalid create-transport payload")
	}

	params, err := h.voice.CreateTransport(ctx, conn.id, payload.ChannelID, sfu.Direction(payload.Direction))
	if err != nil {
		return nil, err
	}
	return params, nil
}

func (h *Handler) onConnectTransport(conn *connection, env events.Envelope) error {
	var payload events.ConnectTransportPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return gatewayerr.BadRequestf("invalid connect-transport payload")
	}
	return h.voice.ConnectTransport(conn.id, payload.TransportID, payload.DTLSParameters)
}

func (h *Handler) onProduce(ctx context.Context, conn *connection, env events.Envelope) (any, error) {
	var payload events.ProducePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, gatewayerr.BadRequestf("invalid produce payload")
	}

	producerID, err := h.voice.Produce(ctx, conn.id, payload.TransportID, payload.Kind, payload.RTPParameters)
	if err != nil {
		return nil, err
	}
	return events.ProduceResult{ProducerID: producerID}, nil
}

func (h *Handler) onConsume(ctx context.Context, conn *connection, env events.Envelope) (any, error) {
	var payload events.ConsumePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, gatewayerr.BadRequestf("invalid consume payload")
	}

	result, err := h.voice.Consume(ctx, conn.id, payload.ProducerID, payload.RTPCapabilities, payload.TransportID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// onUserSpeaking relays a speaking-state toggle. Unlike
// membership/presence this isn't snapshot-broadcast state, just a
// plain unacknowledged signal, so it's forwarded straight through the
// Event Bus to every connected client; the payload's channel_id does
// not narrow the recipients.
func (h *Handler) onUserSpeaking(conn *connection, env events.Envelope) error {
	var payload events.UserSpeakingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return gatewayerr.BadRequestf("invalid user_speaking payload")
	}

	out, err := events.MarshalOutbound(events.EventUserSpeakingUpdate, events.UserSpeakingUpdatePayload{
		ConnID:   conn.id,
		Speaking: payload.Speaking,
	})
	if err != nil {
		return gatewayerr.Internalf(err, "failed to marshal user_speaking_update")
	}
	return h.pubsub.Publish(events.TopicBroadcast, out)
}
