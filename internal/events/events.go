// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package events defines the Signaling Gateway's wire protocol: the
// tagged-union event envelope and the payload for each event named in
// the event table, both inbound (client to server) and outbound
// (server to client). Every inbound variant gets its own payload
// struct so the Gateway can validate fields at the boundary instead of
// threading loosely-typed maps into the orchestrator.
package events

import "encoding/json"

// MarshalOutbound wraps data as an Outbound{event, data} frame and
// JSON-encodes it, ready to publish on the Event Bus or write directly
// to a connection.
func MarshalOutbound(event string, data any) ([]byte, error) {
	return json.Marshal(Outbound{Event: event, Data: data})
}

// Inbound event names.
const (
	EventUserOnline        = "user_online"
	EventSendMessage       = "send_message"
	EventJoinVoiceChannel  = "join_voice_channel"
	EventLeaveVoiceChannel = "leave_voice_channel"
	EventCreateTransport   = "create-transport"
	EventConnectTransport  = "connect-transport"
	EventProduce           = "produce"
	EventConsume           = "consume"
	EventUserSpeaking      = "user_speaking"
)

// Outbound event names.
const (
	EventUsersUpdate             = "users_update"
	EventVoiceChannelUsersUpdate = "voice_channel_users_update"
	EventRouterRTPCapabilities   = "router-rtp-capabilities"
	EventExistingProducers       = "existing-producers"
	EventNewProducer             = "new-producer"
	EventProducerClosed          = "producer-closed"
	EventUserSpeakingUpdate      = "user_speaking_update"
	EventServerCreated           = "server_created"
	EventChannelCreated          = "channel_created"
	EventNewMessage              = "new_message"
)

// TopicBroadcast is the Event Bus topic carrying every event that goes
// to all connected clients: presence, directory, and text-message
// events. Voice signaling (which never needs to cross a process
// boundary — see the Non-goals on horizontal sharding) is delivered
// directly by the orchestrator instead of through this topic.
const TopicBroadcast = "broadcast"

// Envelope is the wire shape of every client-to-server frame. ReqID is
// present on request-reply events (§4.1) and echoed back on Reply so
// the client can correlate the ack with its call.
type Envelope struct {
	Event string          `json:"event"`
	ReqID string          `json:"req_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Reply is the single ack a request-reply event produces. Exactly one
// Reply is sent per ReqID (§4.1 "no silent drops").
type Reply struct {
	ReqID   string `json:"req_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Outbound is a server-pushed frame carrying no ack.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// UserView is the denormalized user shape sent to clients in presence
// and membership payloads.
type UserView struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// --- inbound payloads ---

type UserOnlinePayload struct {
	User UserView `json:"user"`
}

type SendMessagePayload struct {
	ServerID  string   `json:"server_id"`
	ChannelID string   `json:"channel_id"`
	Content   string   `json:"content"`
	User      UserView `json:"user"`
}

type JoinVoiceChannelPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

type LeaveVoiceChannelPayload struct {
	ChannelID string `json:"channel_id"`
}

// CreateTransportPayload requests a new transport on the room the
// connection has already joined. Direction is "send" or "recv".
type CreateTransportPayload struct {
	ChannelID string `json:"channel_id"`
	Direction string `json:"direction"`
}

// ConnectTransportPayload completes DTLS negotiation for a previously
// created transport. DTLSParameters is opaque to the gateway; the sfu
// package interprets it (see internal/sfu doc comment on why it's an
// SDP fragment rather than a mediasoup-style parameter object).
type ConnectTransportPayload struct {
	TransportID    string          `json:"transport_id"`
	DTLSParameters json.RawMessage `json:"dtls_parameters"`
}

type ProducePayload struct {
	TransportID   string          `json:"transport_id"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtp_parameters"`
}

type ConsumePayload struct {
	ProducerID      string          `json:"producer_id"`
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
	TransportID     string          `json:"transport_id"`
}

type UserSpeakingPayload struct {
	ChannelID string `json:"channel_id"`
	Speaking  bool   `json:"speaking"`
}

// --- request-reply ack payloads ---

// TransportParams is the create-transport ack payload. pion negotiates
// over SDP rather than mediasoup's discrete ice_parameters/
// ice_candidates/dtls_parameters objects, so the server's SDP offer is
// carried in DTLSParameters — see internal/sfu's package doc comment
// for why that's the right place for it, not an oversight.
type TransportParams struct {
	ID             string `json:"id"`
	DTLSParameters string `json:"dtls_parameters"`
}

type ProduceResult struct {
	ProducerID string `json:"producer_id"`
}

// ConsumeResult is the consume ack payload. SDPOffer is the recv
// transport's renegotiated offer carrying the newly added track's
// m-line; the client must answer it and deliver the answer through a
// second connect-transport call on the same transport_id to actually
// start receiving media.
type ConsumeResult struct {
	ConsumerID    string          `json:"consumer_id"`
	ProducerID    string          `json:"producer_id"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtp_parameters"`
	SDPOffer      string          `json:"sdp_offer"`
}

// --- outbound payloads ---

type ProducerRef struct {
	ProducerID string `json:"producer_id"`
	UserID     string `json:"user_id"`
}

type RouterRTPCapabilitiesPayload struct {
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
}

type ExistingProducersPayload struct {
	Producers []ProducerRef `json:"producers"`
}

type NewProducerPayload struct {
	ProducerID string `json:"producer_id"`
	UserID     string `json:"user_id"`
}

type ProducerClosedPayload struct {
	ProducerID string `json:"producer_id"`
}

type UserSpeakingUpdatePayload struct {
	ConnID   string `json:"conn_id"`
	Speaking bool   `json:"speaking"`
}

type VoiceChannelUsersUpdatePayload struct {
	ChannelID string     `json:"channel_id"`
	Users     []UserView `json:"users"`
}
