// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package gateway is the Signaling Gateway (spec.md §2 item 1, §4.1):
// a gorilla/websocket handler owning one connection per client, a
// single serialized read loop per connection, and the Event Bus
// subscription that fans broadcast events out to every connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/gatewayerr"
	"github.com/parlor-chat/parlor/internal/membership"
	"github.com/parlor-chat/parlor/internal/metrics"
	"github.com/parlor-chat/parlor/internal/presence"
	"github.com/parlor-chat/parlor/internal/pubsub"
	"github.com/parlor-chat/parlor/internal/sfu"
	"github.com/parlor-chat/parlor/internal/textpipeline"
	"github.com/parlor-chat/parlor/internal/voice"
)

const bufferSize = 1024

// outboundHighWaterMark bounds how many server-to-client frames may be
// queued for one connection before it's treated as unresponsive and
// disconnected (spec.md §4.1 "Backpressure").
const outboundHighWaterMark = 256

// Handler upgrades HTTP connections to websockets and runs the
// signaling protocol of spec.md §4.1 over them. It implements
// voice.Dispatcher so the Orchestrator can push server-initiated
// events directly to a connection without knowing about websockets.
type Handler struct {
	upgrader websocket.Upgrader

	voice      *voice.Orchestrator
	presence   *presence.Registry
	membership *membership.Index
	text       *textpipeline.Pipeline
	pubsub     pubsub.PubSub
	metrics    *metrics.Metrics
	logger     *slog.Logger

	connsMu sync.Mutex
	conns   map[string]*connection
}

// connection is one accepted websocket's outbound side: a buffered
// channel drained by a single writer goroutine, so sends from the
// Orchestrator, the Gateway's own read loop, and the broadcast fan-out
// never race on the same gorilla/websocket connection.
type connection struct {
	id     string
	ws     *websocket.Conn
	outbox chan []byte

	mu   sync.Mutex
	user events.UserView
}

// New constructs a Handler. Dependencies are injected rather than
// built here so internal/cmd can wire Store/PubSub once and share them
// with internal/httpapi.
func New(
	orchestrator *voice.Orchestrator,
	pres *presence.Registry,
	mem *membership.Index,
	text *textpipeline.Pipeline,
	ps pubsub.PubSub,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Handler {
	h := &Handler{
		voice:      orchestrator,
		presence:   pres,
		membership: mem,
		text:       text,
		pubsub:     ps,
		metrics:    m,
		logger:     logger.With("component", "gateway"),
		conns:      make(map[string]*connection),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 0,
		ReadBufferSize:   bufferSize,
		WriteBufferSize:  bufferSize,
		CheckOrigin:      h.checkOrigin,
	}
	// Subscribe synchronously so no broadcast published right after New
	// returns can be missed by a subscription that hasn't registered yet.
	sub := ps.Subscribe(events.TopicBroadcast)
	go h.subscribeBroadcast(sub)
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range config.GetConfig().CORSOrigins() {
		if strings.Contains(origin, allowed) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection's lifetime:
// a single read loop deserializing events.Envelope frames and
// dispatching them serially (spec.md §4.1 "single owning task"), and a
// single writer goroutine draining the outbox built for it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}

	conn := &connection{
		id:     uuid.NewString(),
		ws:     ws,
		outbox: make(chan []byte, outboundHighWaterMark),
	}
	h.connsMu.Lock()
	h.conns[conn.id] = conn
	h.connsMu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionsTotal.Inc()
		h.metrics.ConnectionsActive.Inc()
	}

	writerDone := make(chan struct{})
	go h.writeLoop(conn, writerDone)

	h.readLoop(conn, r.Context())

	close(conn.outbox)
	<-writerDone
	_ = ws.Close()

	h.connsMu.Lock()
	delete(h.conns, conn.id)
	h.connsMu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
	}

	h.disconnect(conn)
}

// writeLoop is the connection's single writer: every outbound frame,
// whether triggered by this connection's own inbound events or by a
// broadcast/Dispatcher push from another goroutine, passes through
// here so gorilla/websocket never sees concurrent writers.
func (h *Handler) writeLoop(conn *connection, done chan<- struct{}) {
	defer close(done)
	for msg := range conn.outbox {
		if err := conn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("write failed, closing connection", "conn_id", conn.id, "error", err)
			return
		}
	}
}

// readLoop mirrors the teacher's PING/PONG-aware read-failure pattern:
// a dedicated goroutine reads frames and signals failure over a
// channel, and readLoop returns once that channel fires. ctx is passed
// through to every dispatched frame.
func (h *Handler) readLoop(conn *connection, ctx context.Context) {
	readFailed := make(chan string, 1)
	go func() {
		for {
			_, msg, err := conn.ws.ReadMessage()
			if err != nil {
				readFailed <- "read failed"
				return
			}
			if string(msg) == "PING" {
				h.enqueue(conn, []byte("PONG"))
				continue
			}
			h.handleFrame(ctx, conn, msg)
		}
	}()
	<-readFailed
}

func (h *Handler) handleFrame(ctx context.Context, conn *connection, raw []byte) {
	start := time.Now()
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Warn("malformed frame", "conn_id", conn.id, "error", err)
		return
	}

	data, err := h.dispatch(ctx, conn, env)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if h.metrics != nil {
		h.metrics.RecordEvent(env.Event, status, time.Since(start).Seconds())
	}

	if env.ReqID == "" {
		if err != nil {
			h.logger.Warn("event failed", "conn_id", conn.id, "event", env.Event, "error", err)
		}
		return
	}

	// Request-reply events (spec.md §4.1): exactly one Reply per ReqID.
	reply := events.Reply{ReqID: env.ReqID, Success: err == nil}
	if err != nil {
		reply.Error = errMessage(err)
	} else {
		reply.Data = data
	}
	h.sendFrame(conn, reply)
}

// dispatch routes one inbound frame to its handler. Handlers that ack
// (spec.md §4.1 table) return the ack payload as data; the rest return
// nil and are fire-and-forget.
func (h *Handler) dispatch(ctx context.Context, conn *connection, env events.Envelope) (any, error) {
	switch env.Event {
	case events.EventUserOnline:
		return nil, h.onUserOnline(conn, env)
	case events.EventSendMessage:
		return nil, h.onSendMessage(conn, env)
	case events.EventJoinVoiceChannel:
		return nil, h.onJoinVoiceChannel(ctx, conn, env)
	case events.EventLeaveVoiceChannel:
		return nil, h.onLeaveVoiceChannel(conn)
	case events.EventCreateTransport:
		return h.onCreateTransport(ctx, conn, env)
	case events.EventConnectTransport:
		return nil, h.onConnectTransport(conn, env)
	case events.EventProduce:
		return h.onProduce(ctx, conn, env)
	case events.EventConsume:
		return h.onConsume(ctx, conn, env)
	case events.EventUserSpeaking:
		return nil, h.onUserSpeaking(conn, env)
	default:
		return nil, gatewayerr.BadRequestf("unknown event %q", env.Event)
	}
}

func errMessage(err error) string {
	var gwErr *gatewayerr.Error
	if errors.As(err, &gwErr) {
		return gwErr.Message
	}
	return err.Error()
}

// sendFrame marshals and enqueues v for delivery on conn's writer.
func (h *Handler) sendFrame(conn *connection, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal frame", "conn_id", conn.id, "error", err)
		return
	}
	h.enqueue(conn, payload)
}

// enqueue pushes msg onto conn's outbox, enforcing the high-water-mark
// backpressure rule (spec.md §4.1): a connection that can't keep up is
// disconnected rather than let the outbox grow unbounded.
func (h *Handler) enqueue(conn *connection, msg []byte) {
	select {
	case conn.outbox <- msg:
	default:
		h.logger.Warn("outbox overflow, disconnecting", "conn_id", conn.id)
		_ = conn.ws.Close()
	}
}

// IsConnected reports whether connID currently owns an open websocket,
// letting internal/voice's orphan sweep (SPEC_FULL.md §2.7) tell a
// genuinely crashed connection apart from one still being served.
func (h *Handler) IsConnected(connID string) bool {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	_, ok := h.conns[connID]
	return ok
}

// Send implements voice.Dispatcher: deliver event/data to one
// connection by id, wrapped as an Outbound frame.
func (h *Handler) Send(connID, event string, data any) error {
	h.connsMu.Lock()
	conn, ok := h.conns[connID]
	h.connsMu.Unlock()
	if !ok {
		return fmt.Errorf("connection %q not found", connID)
	}
	h.sendFrame(conn, events.Outbound{Event: event, Data: data})
	return nil
}

// subscribeBroadcast fans every events.TopicBroadcast message out to
// every currently connected client.
func (h *Handler) subscribeBroadcast(sub pubsub.Subscription) {
	for msg := range sub.Channel() {
		h.connsMu.Lock()
		conns := make([]*connection, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.connsMu.Unlock()

		for _, c := range conns {
			h.enqueue(c, msg)
		}
	}
}

// disconnect implements spec.md §4.5: equivalent to leave from the
// current voice channel (if any), plus presence removal, plus
// membership cleanup. Idempotent against double-fire since every
// underlying operation (voice.Leave, presence.Remove,
// membership.RemoveFromAll) already is.
func (h *Handler) disconnect(conn *connection) {
	_ = h.voice.Leave(conn.id)
	h.membership.RemoveFromAll(conn.id)
	h.presence.Remove(conn.id)
}
