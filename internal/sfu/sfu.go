// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package sfu provides the Worker/Router/WebRtcTransport/Producer/
// Consumer abstractions spec.md treats as an external collaborator:
// "the actual RTP routing is delegated to an SFU library... the spec
// describes how the core uses this library, not how to build one."
// This package is that library, built directly on pion/webrtc/v4
// rather than on a wire-compatible port of a JS media server.
//
// pion's native signaling unit is the SDP session description, not a
// mediasoup-style set of discrete ice_parameters/dtls_parameters
// objects. The Orchestrator's wire protocol (internal/events) still
// names those fields because the client-facing contract in spec.md
// §4.1 does, but WebRtcTransport carries them as an opaque SDP blob:
// CreateOffer's local SDP is what a client-side WebRTC stack consumes
// in place of discrete ICE/DTLS parameters, and Connect's argument is
// the client's SDP answer in place of a discrete dtls_parameters
// object. This is a deliberate adaptation, not an oversight — it keeps
// every invariant in spec.md §3 (I3, I4, I5) and the Orchestrator
// contract of §4.2 intact while using pion idiomatically instead of
// reimplementing mediasoup's wire format on top of it.
package sfu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Codec is the single fixed audio codec every Router is created with
// (spec.md §4.2 "Router rules"): Opus 48 kHz stereo, FEC enabled.
var Codec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1;stereo=1",
}

// Direction is the direction of a WebRtcTransport: a participant holds
// at most one of each (spec.md §3, Transport).
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// PortRange bounds the UDP ports handed to transports for media
// (spec.md §6.4 RTC_MIN_PORT/RTC_MAX_PORT).
type PortRange struct {
	Min uint16
	Max uint16
}

// Worker owns one pion webrtc.API instance (MediaEngine + SettingEngine
// configured for the fixed Opus codec and the configured port range).
// spec.md §4.2: "Owns a single SFU Worker (or a small pool, sized by
// CPU count). On worker death, the process exits."
type Worker struct {
	api         *webrtc.API
	announcedIP string
}

// NewWorkerPool builds count Workers (the caller picks count, typically
// runtime.NumCPU()), each independently configured with portRange and
// announcedIP. A dead Worker is unrecoverable by design (spec.md §4.5
// "Worker death: fatal; process exits non-zero") — WorkerPool callers
// are expected to let the process crash rather than restart a Worker.
func NewWorkerPool(count int, portRange PortRange, announcedIP string) ([]*Worker, error) {
	if count <= 0 {
		count = runtime.NumCPU()
	}
	workers := make([]*Worker, 0, count)
	for i := 0; i < count; i++ {
		w, err := newWorker(portRange, announcedIP)
		if err != nil {
			return nil, fmt.Errorf("failed to start sfu worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func newWorker(portRange PortRange, announcedIP string) (*Worker, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: Codec,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if portRange.Min > 0 && portRange.Max > portRange.Min {
		if err := settingEngine.SetEphemeralUDPPortRange(portRange.Min, portRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set UDP port range: %w", err)
		}
	}
	if announcedIP != "" {
		settingEngine.SetNAT1To1IPs([]string{announcedIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &Worker{api: api, announcedIP: announcedIP}, nil
}

// NewRouter creates a Router with the fixed codec set (spec.md §4.2:
// "A room has exactly one router"). The caller — the Orchestrator — is
// responsible for the "exactly one per room" rule; Router itself is
// stateless with respect to that invariant.
func (w *Worker) NewRouter() *Router {
	return &Router{
		worker:    w,
		producers: make(map[string]*Producer),
	}
}

// Router owns one room's RTP routing graph: its transports, producers,
// and consumers. spec.md §4.2 "Router rules": codec set fixed at
// creation, ports from the configured RTC range (applied at the
// Worker level, shared by every Router built on it).
type Router struct {
	worker *Worker

	mu        sync.Mutex
	producers map[string]*Producer
}

// RTPCapabilities is the declarative codec description a client loads
// before producing/consuming (spec.md Glossary). Since the Router's
// codec set is fixed, this is the same value for every room.
func (r *Router) RTPCapabilities() RTPCapabilities {
	return RTPCapabilities{Codecs: []webrtc.RTPCodecCapability{Codec}}
}

// RTPCapabilities describes the codecs a participant or router
// supports, used by Consume to check compatibility (incompatible-codecs,
// spec.md §7).
type RTPCapabilities struct {
	Codecs []webrtc.RTPCodecCapability
}

// SupportsOpus reports whether caps declares support for the Router's
// fixed Opus codec. Consume fails with incompatible-codecs when false
// (spec.md §4.2, scenario 3 in §8).
func (caps RTPCapabilities) SupportsOpus() bool {
	for _, c := range caps.Codecs {
		if c.MimeType == webrtc.MimeTypeOpus {
			return true
		}
	}
	return false
}

// NewWebRtcTransport creates a new transport on this room's router
// (spec.md §4.2 create_transport). Interface, port and announced-IP
// policy comes from the owning Worker's SettingEngine: pion gathers on
// all interfaces, UDP ports are bounded by the configured range, and
// the announced IP is advertised. No ICE-TCP listener is configured, so
// media runs over UDP only.
// onClosed, if non-nil, fires exactly once when the underlying
// connection reaches a terminal state on its own (spec.md §4.2
// "Transport event upcall") — e.g. a client-side crash rather than an
// explicit Close call — so the Orchestrator can cascade producer/
// consumer cleanup and the corresponding producer-closed broadcasts.
func (r *Router) NewWebRtcTransport(direction Direction, onClosed func()) (*WebRtcTransport, error) {
	pc, err := r.worker.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &WebRtcTransport{
		id:        uuid.NewString(),
		direction: direction,
		pc:        pc,
		router:    r,
		trackCh:   make(chan *webrtc.TrackRemote, 1),
	}

	if direction == DirectionSend {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add recvonly transceiver: %w", err)
		}
		pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			select {
			case t.trackCh <- remote:
			default:
			}
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state != webrtc.PeerConnectionStateClosed && state != webrtc.PeerConnectionStateFailed {
			return
		}
		if !t.closed.Swap(true) && onClosed != nil {
			onClosed()
		}
	})

	return t, nil
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.ID] = p
}

func (r *Router) removeProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, producerID)
}

// Producer looks up a still-open producer by id, for Consume.
func (r *Router) Producer(producerID string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	return p, ok
}

// Producers returns every currently open producer in the room, for the
// existing-producers snapshot on join.
func (r *Router) Producers() []*Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	return out
}

// WebRtcTransport wraps one pion PeerConnection used for either
// producing (send) or consuming (recv) audio for a single participant.
type WebRtcTransport struct {
	id        string
	direction Direction
	pc        *webrtc.PeerConnection
	router    *Router
	trackCh   chan *webrtc.TrackRemote
	closed    atomic.Bool
}

func (t *WebRtcTransport) ID() string          { return t.id }
func (t *WebRtcTransport) Direction() Direction { return t.direction }
func (t *WebRtcTransport) Closed() bool        { return t.closed.Load() }

// CreateOffer generates and applies the server's local SDP offer,
// returned as the (opaque to the caller) transport parameters the
// client's WebRTC stack needs to answer.
func (t *WebRtcTransport) CreateOffer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete
	return t.pc.LocalDescription().SDP, nil
}

// Connect applies the client's SDP answer, completing ICE/DTLS
// negotiation (spec.md §4.2 connect_transport).
func (t *WebRtcTransport) Connect(answerSDP string) error {
	if t.Closed() {
		return fmt.Errorf("transport %s is closed", t.id)
	}
	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	})
	if err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// Close tears down the underlying peer connection. Idempotent.
func (t *WebRtcTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.pc.Close()
}

// Produce finalizes a Producer for audio arriving on this send
// transport. It waits (bounded by the caller's context/timeout — see
// internal/voice) for the client's track to arrive via OnTrack, then
// registers it on the router and starts the RTP forwarding pump.
func (t *WebRtcTransport) Produce(ownerParticipant string) (*Producer, error) {
	if t.direction != DirectionSend {
		return nil, fmt.Errorf("transport %s is not a send transport", t.id)
	}
	remote := <-t.trackCh

	p := &Producer{
		ID:               uuid.NewString(),
		Kind:             "audio",
		OwnerParticipant: ownerParticipant,
		router:           t.router,
		remote:           remote,
		stop:             make(chan struct{}),
	}
	t.router.registerProducer(p)
	go p.forward()
	return p, nil
}

// Producer is the server-side handle for one participant's inbound
// audio stream (spec.md §3, Producer — "at most one audio producer per
// participant in v1").
type Producer struct {
	ID               string
	Kind             string
	OwnerParticipant string
	Paused           bool

	router *Router
	remote *webrtc.TrackRemote

	mu        sync.Mutex
	consumers map[string]*Consumer
	stop      chan struct{}
	closed    atomic.Bool
}

// Subscribe attaches consumer to this producer's forwarding fan-out.
func (p *Producer) subscribe(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumers == nil {
		p.consumers = make(map[string]*Consumer)
	}
	p.consumers[c.ID] = c
}

func (p *Producer) unsubscribe(consumerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, consumerID)
}

// forward reads RTP packets from the remote track and fans them out to
// every subscribed Consumer's local track. Grounded directly on the
// read-forward-loop pattern used for SFU group calls elsewhere in the
// retrieval pack (OnTrack → per-track goroutine → WriteRTP to peers).
func (p *Producer) forward() {
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		packet, _, err := p.remote.ReadRTP()
		if err != nil {
			p.Close()
			return
		}

		p.mu.Lock()
		for _, c := range p.consumers {
			_ = c.local.WriteRTP(packet)
		}
		p.mu.Unlock()
	}
}

// Close stops forwarding and detaches every consumer. Idempotent.
func (p *Producer) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.stop)
	p.router.removeProducer(p.ID)
	p.mu.Lock()
	p.consumers = nil
	p.mu.Unlock()
}

// Consumer is the server-side handle for one outbound audio stream,
// sourced from a Producer, delivered to a participant's recv transport
// (spec.md §3, Consumer — "one per distinct remote producer").
type Consumer struct {
	ID               string
	ProducerID       string
	OwnerParticipant string

	producer *Producer
	local    *webrtc.TrackLocalStaticRTP
}

// Consume creates a Consumer on this recv transport sourced from
// producer, then renegotiates the underlying peer connection so the
// new track is actually signaled to the client: AddTrack alone only
// updates pion's local state, it never reaches the wire until a fresh
// offer/answer round trip carries the new m-line across. The offer
// this produces is returned to the caller, which must deliver it to
// the client and feed the resulting answer back through Connect on
// this same transport — the same connect-transport leg that completed
// the transport's first negotiation, reused here for its second.
// caps must declare Opus support or this fails with
// ErrIncompatibleCodecs.
func (t *WebRtcTransport) Consume(producer *Producer, caps RTPCapabilities, ownerParticipant string) (*Consumer, string, error) {
	if t.direction != DirectionRecv {
		return nil, "", fmt.Errorf("transport %s is not a recv transport", t.id)
	}
	if !caps.SupportsOpus() {
		return nil, "", ErrIncompatibleCodecs
	}

	local, err := webrtc.NewTrackLocalStaticRTP(Codec, producer.ID, producer.OwnerParticipant)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, "", fmt.Errorf("failed to add track: %w", err)
	}
	go drainRTCP(sender)

	offer, err := t.CreateOffer()
	if err != nil {
		return nil, "", fmt.Errorf("failed to renegotiate after adding track: %w", err)
	}

	c := &Consumer{
		ID:               uuid.NewString(),
		ProducerID:       producer.ID,
		OwnerParticipant: ownerParticipant,
		producer:         producer,
		local:            local,
	}
	producer.subscribe(c)
	return c, offer, nil
}

// Close detaches the consumer from its producer. Idempotent.
func (c *Consumer) Close() {
	if c.producer != nil {
		c.producer.unsubscribe(c.ID)
	}
}

// drainRTCP discards RTCP feedback (PLI/NACK/REMB) for an audio-only
// sender; without draining, pion's internal buffers back up.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ErrIncompatibleCodecs is returned by Consume when the requesting
// participant's capabilities don't include the router's fixed Opus
// codec (spec.md §7, §8 scenario 3).
var ErrIncompatibleCodecs = fmt.Errorf("router cannot consume producer: incompatible codecs")
