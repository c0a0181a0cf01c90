// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package voice is the SFU Orchestrator (spec.md §2 item 5, §4.2): it
// owns the Worker pool, the per-channel Room (VoiceRoom) registry, and
// every session's Transports/Producers/Consumers, and implements the
// join/create-transport/connect-transport/produce/consume/leave
// signaling protocol and its fan-out discipline.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"

	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/gatewayerr"
	"github.com/parlor-chat/parlor/internal/membership"
	"github.com/parlor-chat/parlor/internal/sfu"
)

// tracer is the Orchestrator's span source, matching the teacher's
// service-named otel.Tracer("DMRHub") calls around hub operations.
var tracer = otel.Tracer("parlor")

// requestTimeout bounds every SFU-library call the Orchestrator makes
// on a connection's behalf (spec.md §5 "suggested 5 s").
const requestTimeout = 5 * time.Second

// Dispatcher delivers a server-initiated event directly to one
// connection. The Gateway implements this over its connection
// registry; the Orchestrator never needs to reach another process
// (voice is explicitly out of the horizontal-sharding Non-goal).
type Dispatcher interface {
	Send(connID string, event string, data any) error
}

// Participant is one connection's state inside a VoiceRoom (spec.md
// §3, Participant).
type participant struct {
	connID    string
	userID    string
	channelID string

	mu        sync.Mutex
	send      *sfu.WebRtcTransport
	recv      *sfu.WebRtcTransport
	producer  *sfu.Producer
	consumers map[string]*sfu.Consumer
}

// room is the VoiceRoom: one Router and its Participants (spec.md §3).
type room struct {
	channelID string
	router    *sfu.Router

	mu           sync.Mutex
	participants map[string]*participant
}

// Orchestrator implements spec.md §4.2 end to end.
type Orchestrator struct {
	workers    []*sfu.Worker
	nextWorker atomic.Uint64

	roomsMu sync.Mutex // guards get-or-create against rooms; see internal/dmr/hub-style double-checked create
	rooms   *xsync.Map[string, *room]

	membership *membership.Index
	dispatcher Dispatcher

	connMu   sync.Mutex
	connRoom map[string]string // conn_id -> channel_id, for I1 and idempotent leave

	logger *slog.Logger
}

// New constructs an Orchestrator over a pre-built Worker pool.
func New(workers []*sfu.Worker, idx *membership.Index, dispatcher Dispatcher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		workers:    workers,
		rooms:      xsync.NewMap[string, *room](),
		membership: idx,
		dispatcher: dispatcher,
		connRoom:   make(map[string]string),
		logger:     logger.With("component", "voice"),
	}
}

func (o *Orchestrator) pickWorker() *sfu.Worker {
	i := o.nextWorker.Add(1) - 1
	return o.workers[i%uint64(len(o.workers))]
}

// getOrCreateRoom implements the get-or-create-with-double-checked-
// semantics rule of spec.md §5: Load first without the lock, only take
// the lock (and re-check) when a room must be created, so the common
// case (room already exists) never blocks on the mutex.
func (o *Orchestrator) getOrCreateRoom(channelID string) *room {
	if r, ok := o.rooms.Load(channelID); ok {
		return r
	}

	o.roomsMu.Lock()
	defer o.roomsMu.Unlock()

	if r, ok := o.rooms.Load(channelID); ok {
		return r
	}

	r := &room{
		channelID:    channelID,
		router:       o.pickWorker().NewRouter(),
		participants: make(map[string]*participant),
	}
	o.rooms.Store(channelID, r)
	return r
}

// Join implements spec.md §4.2 join. Idempotent for the same
// (conn, channel_id); fails if conn already belongs to a different
// channel (I1).
func (o *Orchestrator) Join(ctx context.Context, connID, channelID, userID string, user events.UserView) error {
	_, span := tracer.Start(ctx, "Orchestrator.Join")
	defer span.End()

	o.connMu.Lock()
	existing, already := o.connRoom[connID]
	if already && existing == channelID {
		o.connMu.Unlock()
		return nil
	}
	if already && existing != channelID {
		o.connMu.Unlock()
		return gatewayerr.InvalidStatef("connection already joined channel %q; leave first", existing)
	}
	o.connRoom[connID] = channelID
	o.connMu.Unlock()

	r := o.getOrCreateRoom(channelID)

	p := &participant{
		connID:    connID,
		userID:    userID,
		channelID: channelID,
		consumers: make(map[string]*sfu.Consumer),
	}

	r.mu.Lock()
	r.participants[connID] = p
	producers := snapshotProducerRefs(r, connID, p)
	r.mu.Unlock()

	o.membership.Add(channelID, connID, user)

	caps := r.router.RTPCapabilities()
	o.sendRTPCapabilities(connID, caps)
	o.sendExistingProducers(connID, producers)
	return nil
}

// snapshotProducerRefs must be called with r.mu held: it resolves each
// producer's owning connection to that participant's user id.
func snapshotProducerRefs(r *room, _ string, self *participant) []events.ProducerRef {
	out := make([]events.ProducerRef, 0)
	for _, p := range r.router.Producers() {
		if p.OwnerParticipant == self.connID {
			continue
		}
		userID := p.OwnerParticipant
		if owner, ok := r.participants[p.OwnerParticipant]; ok {
			userID = owner.userID
		}
		out = append(out, events.ProducerRef{ProducerID: p.ID, UserID: userID})
	}
	return out
}

func (o *Orchestrator) sendRTPCapabilities(connID string, caps sfu.RTPCapabilities) {
	raw, err := marshalCapabilities(caps)
	if err != nil {
		o.logger.Error("failed to marshal rtp capabilities", "error", err)
		return
	}
	if err := o.dispatcher.Send(connID, events.EventRouterRTPCapabilities, events.RouterRTPCapabilitiesPayload{RTPCapabilities: raw}); err != nil {
		o.logger.Error("failed to send router-rtp-capabilities", "conn_id", connID, "error", err)
	}
}

func (o *Orchestrator) sendExistingProducers(connID string, producers []events.ProducerRef) {
	if err := o.dispatcher.Send(connID, events.EventExistingProducers, events.ExistingProducersPayload{Producers: producers}); err != nil {
		o.logger.Error("failed to send existing-producers", "conn_id", connID, "error", err)
	}
}

// lookupParticipant resolves conn's room and participant, failing with
// invalid-state if the connection hasn't joined a channel or the
// participant record is somehow missing.
func (o *Orchestrator) lookupParticipant(connID string) (*room, *participant, error) {
	o.connMu.Lock()
	channelID, ok := o.connRoom[connID]
	o.connMu.Unlock()
	if !ok {
		return nil, nil, gatewayerr.InvalidStatef("connection has not joined a voice channel")
	}

	r, ok := o.rooms.Load(channelID)
	if !ok {
		return nil, nil, gatewayerr.InvalidStatef("voice room for channel %q no longer exists", channelID)
	}

	r.mu.Lock()
	p, ok := r.participants[connID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, gatewayerr.InvalidStatef("participant not registered in room %q", channelID)
	}
	return r, p, nil
}

// CreateTransport implements spec.md §4.2 create_transport.
func (o *Orchestrator) CreateTransport(ctx context.Context, connID, channelID string, direction sfu.Direction) (events.TransportParams, error) {
	_, span := tracer.Start(ctx, "Orchestrator.CreateTransport")
	defer span.End()

	r, p, err := o.lookupParticipant(connID)
	if err != nil {
		return events.TransportParams{}, err
	}
	if r.channelID != channelID {
		return events.TransportParams{}, gatewayerr.InvalidStatef("connection is not joined to channel %q", channelID)
	}
	if direction != sfu.DirectionSend && direction != sfu.DirectionRecv {
		return events.TransportParams{}, gatewayerr.BadRequestf("invalid transport direction %q", direction)
	}

	p.mu.Lock()
	if existing := p.transportFor(direction); existing != nil {
		p.mu.Unlock()
		return events.TransportParams{}, gatewayerr.InvalidStatef("participant already has a %s transport", direction)
	}
	p.mu.Unlock()

	onClosed := func() { o.handleTransportClosed(connID, direction) }
	transport, err := r.router.NewWebRtcTransport(direction, onClosed)
	if err != nil {
		return events.TransportParams{}, gatewayerr.Internalf(err, "failed to create transport")
	}

	sdp, err := withTimeout(func() (string, error) { return transport.CreateOffer() })
	if err != nil {
		_ = transport.Close()
		return events.TransportParams{}, gatewayerr.Internalf(err, "failed to negotiate transport")
	}

	p.mu.Lock()
	p.setTransport(direction, transport)
	p.mu.Unlock()

	return events.TransportParams{ID: transport.ID(), DTLSParameters: sdp}, nil
}

func (p *participant) transportFor(direction sfu.Direction) *sfu.WebRtcTransport {
	if direction == sfu.DirectionSend {
		return p.send
	}
	return p.recv
}

func (p *participant) setTransport(direction sfu.Direction, t *sfu.WebRtcTransport) {
	if direction == sfu.DirectionSend {
		p.send = t
	} else {
		p.recv = t
	}
}

// ConnectTransport implements spec.md §4.2 connect_transport. It also
// doubles as the renegotiation-answer leg for Consume: applying a
// second answer on an already-connected transport is the same
// operation as applying the first, so a client just calls this again
// with the transport_id from Consume's ack and the answer to its
// sdp_offer.
func (o *Orchestrator) ConnectTransport(connID, transportID string, dtlsParameters json.RawMessage) error {
	_, p, err := o.lookupParticipant(connID)
	if err != nil {
		return err
	}

	var answerSDP string
	if err := json.Unmarshal(dtlsParameters, &answerSDP); err != nil {
		return gatewayerr.BadRequestf("dtls_parameters must be the client's SDP answer string")
	}

	p.mu.Lock()
	transport := p.transportByID(transportID)
	p.mu.Unlock()
	if transport == nil {
		return gatewayerr.NotFoundf("transport %q not owned by this connection", transportID)
	}

	if err := transport.Connect(answerSDP); err != nil {
		return gatewayerr.Internalf(err, "failed to connect transport")
	}
	return nil
}

func (p *participant) transportByID(id string) *sfu.WebRtcTransport {
	if p.send != nil && p.send.ID() == id {
		return p.send
	}
	if p.recv != nil && p.recv.ID() == id {
		return p.recv
	}
	return nil
}

// Produce implements spec.md §4.2 produce, including the I3 fan-out:
// broadcast new-producer to every other participant in the room.
func (o *Orchestrator) Produce(ctx context.Context, connID, transportID, kind string, _ json.RawMessage) (string, error) {
	_, span := tracer.Start(ctx, "Orchestrator.Produce")
	defer span.End()

	r, p, err := o.lookupParticipant(connID)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	transport := p.send
	p.mu.Unlock()
	if transport == nil || transport.ID() != transportID {
		return "", gatewayerr.InvalidStatef("produce requires an owned send transport")
	}
	if kind != "audio" {
		return "", gatewayerr.BadRequestf("only audio producers are supported")
	}

	producer, err := withTimeout(func() (*sfu.Producer, error) { return transport.Produce(connID) })
	if err != nil {
		return "", gatewayerr.Internalf(err, "failed to produce")
	}

	p.mu.Lock()
	p.producer = producer
	p.mu.Unlock()

	o.broadcastToRoomExcept(r, connID, events.EventNewProducer, events.NewProducerPayload{
		ProducerID: producer.ID,
		UserID:     p.userID,
	})
	return producer.ID, nil
}

// Consume implements spec.md §4.2 consume.
func (o *Orchestrator) Consume(ctx context.Context, connID, producerID string, rtpCapabilities json.RawMessage, transportID string) (events.ConsumeResult, error) {
	_, span := tracer.Start(ctx, "Orchestrator.Consume")
	defer span.End()

	r, p, err := o.lookupParticipant(connID)
	if err != nil {
		return events.ConsumeResult{}, err
	}

	p.mu.Lock()
	transport := p.recv
	p.mu.Unlock()
	if transport == nil || transport.ID() != transportID {
		return events.ConsumeResult{}, gatewayerr.InvalidStatef("consume requires an owned recv transport")
	}

	producer, ok := r.router.Producer(producerID)
	if !ok {
		return events.ConsumeResult{}, gatewayerr.NotFoundf("producer %q not found in this room", producerID)
	}

	caps, err := unmarshalCapabilities(rtpCapabilities)
	if err != nil {
		return events.ConsumeResult{}, gatewayerr.BadRequestf("invalid rtp_capabilities")
	}

	type consumeOutcome struct {
		consumer *sfu.Consumer
		offerSDP string
	}
	outcome, err := withTimeout(func() (consumeOutcome, error) {
		consumer, offerSDP, err := transport.Consume(producer, caps, connID)
		return consumeOutcome{consumer: consumer, offerSDP: offerSDP}, err
	})
	if err != nil {
		if err == sfu.ErrIncompatibleCodecs {
			return events.ConsumeResult{}, gatewayerr.New(gatewayerr.IncompatibleCodecs, "router cannot consume producer with the given capabilities")
		}
		return events.ConsumeResult{}, gatewayerr.Internalf(err, "failed to consume")
	}

	p.mu.Lock()
	p.consumers[outcome.consumer.ID] = outcome.consumer
	p.mu.Unlock()

	return events.ConsumeResult{
		ConsumerID:    outcome.consumer.ID,
		ProducerID:    producer.ID,
		Kind:          producer.Kind,
		RTPParameters: json.RawMessage(`{}`),
		SDPOffer:      outcome.offerSDP,
	}, nil
}

// Leave implements spec.md §4.2 leave: idempotent, releases every
// resource owned by the participant before removing it (I5), drops an
// emptied room (I2). Also used for disconnect cleanup (§4.5), which is
// the same operation from the Orchestrator's point of view.
func (o *Orchestrator) Leave(connID string) error {
	o.connMu.Lock()
	channelID, ok := o.connRoom[connID]
	if !ok {
		o.connMu.Unlock()
		return nil // R2: double leave is a no-op
	}
	delete(o.connRoom, connID)
	o.connMu.Unlock()

	r, ok := o.rooms.Load(channelID)
	if !ok {
		return nil
	}

	r.mu.Lock()
	p, ok := r.participants[connID]
	remainingConns := make([]string, 0, len(r.participants))
	for id := range r.participants {
		if id != connID {
			remainingConns = append(remainingConns, id)
		}
	}
	r.mu.Unlock()

	if ok {
		p.releaseAll(func(producerID string) {
			for _, peer := range remainingConns {
				o.send(peer, events.EventProducerClosed, events.ProducerClosedPayload{ProducerID: producerID})
			}
		})
	}

	r.mu.Lock()
	delete(r.participants, connID)
	empty := len(r.participants) == 0
	r.mu.Unlock()

	o.membership.Remove(channelID, connID)

	if empty {
		o.rooms.Delete(channelID)
	}
	return nil
}

// releaseAll closes every resource the participant owns (I5): its
// producer (notifying peers via onProducerClosed for each), its
// consumers, and its transports.
func (p *participant) releaseAll(onProducerClosed func(producerID string)) {
	p.mu.Lock()
	producer := p.producer
	p.producer = nil
	consumers := make([]*sfu.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*sfu.Consumer)
	send, recv := p.send, p.recv
	p.send, p.recv = nil, nil
	p.mu.Unlock()

	if producer != nil {
		producer.Close()
		onProducerClosed(producer.ID)
	}
	for _, c := range consumers {
		c.Close()
	}
	if send != nil {
		_ = send.Close()
	}
	if recv != nil {
		_ = recv.Close()
	}
}

// handleTransportClosed reacts to a transport dying on its own
// (spec.md §4.2 "Transport event upcall"): a closed send transport
// implicitly closes the owner's producer (and broadcasts
// producer-closed); a closed recv transport closes its consumers.
func (o *Orchestrator) handleTransportClosed(connID string, direction sfu.Direction) {
	r, p, err := o.lookupParticipant(connID)
	if err != nil {
		return
	}

	if direction == sfu.DirectionSend {
		p.mu.Lock()
		producer := p.producer
		p.producer = nil
		p.mu.Unlock()
		if producer == nil {
			return
		}
		producer.Close()

		r.mu.Lock()
		peers := make([]string, 0, len(r.participants))
		for id := range r.participants {
			if id != connID {
				peers = append(peers, id)
			}
		}
		r.mu.Unlock()

		for _, peer := range peers {
			o.send(peer, events.EventProducerClosed, events.ProducerClosedPayload{ProducerID: producer.ID})
		}
		return
	}

	p.mu.Lock()
	consumers := make([]*sfu.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*sfu.Consumer)
	p.mu.Unlock()
	for _, c := range consumers {
		c.Close()
	}
}

func (o *Orchestrator) broadcastToRoomExcept(r *room, exceptConnID, event string, data any) {
	r.mu.Lock()
	peers := make([]string, 0, len(r.participants))
	for id := range r.participants {
		if id != exceptConnID {
			peers = append(peers, id)
		}
	}
	r.mu.Unlock()

	for _, peer := range peers {
		o.send(peer, event, data)
	}
}

// PruneOrphans leaves every connection isAlive reports as gone,
// defending against a crashed connection whose Gateway disconnect
// handler never ran (SPEC_FULL.md §2.7). It reuses Leave for the
// actual cleanup, so it's no more than a periodic backstop over the
// same idempotent path a normal disconnect takes.
func (o *Orchestrator) PruneOrphans(isAlive func(connID string) bool) {
	o.connMu.Lock()
	stale := make([]string, 0, len(o.connRoom))
	for connID := range o.connRoom {
		if !isAlive(connID) {
			stale = append(stale, connID)
		}
	}
	o.connMu.Unlock()

	for _, connID := range stale {
		_ = o.Leave(connID)
	}
}

func (o *Orchestrator) send(connID, event string, data any) {
	if err := o.dispatcher.Send(connID, event, data); err != nil {
		o.logger.Error("failed to deliver voice event", "conn_id", connID, "event", event, "error", err)
	}
}

// withTimeout runs fn in a goroutine and fails with a timeout error if
// it hasn't completed within requestTimeout (spec.md §5 "suggested
// 5s"; §8 scenario 6).
func withTimeout[T any](fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-time.After(requestTimeout):
		var zero T
		return zero, fmt.Errorf("timed out after %s", requestTimeout)
	}
}

type rtpCapabilitiesWire struct {
	Codecs []struct {
		MimeType string `json:"mimeType"`
	} `json:"codecs"`
}

func marshalCapabilities(caps sfu.RTPCapabilities) (json.RawMessage, error) {
	wire := rtpCapabilitiesWire{}
	for _, c := range caps.Codecs {
		wire.Codecs = append(wire.Codecs, struct {
			MimeType string `json:"mimeType"`
		}{MimeType: c.MimeType})
	}
	return json.Marshal(wire)
}

func unmarshalCapabilities(raw json.RawMessage) (sfu.RTPCapabilities, error) {
	var wire rtpCapabilitiesWire
	if len(raw) == 0 {
		return sfu.RTPCapabilities{}, nil
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return sfu.RTPCapabilities{}, err
	}
	caps := sfu.RTPCapabilities{}
	for _, c := range wire.Codecs {
		caps.Codecs = append(caps.Codecs, webrtc.RTPCodecCapability{MimeType: c.MimeType})
	}
	return caps, nil
}

// newParticipantID returns a fresh opaque connection-style id. It is
// unexported and nothing in the module calls it.
func newParticipantID() string { return uuid.NewString() }
