// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package voice_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/gatewayerr"
	"github.com/parlor-chat/parlor/internal/membership"
	"github.com/parlor-chat/parlor/internal/pubsub"
	"github.com/parlor-chat/parlor/internal/sfu"
	"github.com/parlor-chat/parlor/internal/voice"
)

// fakeDispatcher records every event sent to each connection, standing
// in for the Gateway's connection registry.
type fakeDispatcher struct {
	mu   sync.Mutex
	sent map[string][]sentEvent
}

type sentEvent struct {
	event string
	data  any
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: make(map[string][]sentEvent)}
}

func (d *fakeDispatcher) Send(connID, event string, data any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[connID] = append(d.sent[connID], sentEvent{event: event, data: data})
	return nil
}

func (d *fakeDispatcher) eventsFor(connID string) []sentEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentEvent(nil), d.sent[connID]...)
}

func newOrchestrator(t *testing.T) (*voice.Orchestrator, *fakeDispatcher) {
	t.Helper()
	workers, err := sfu.NewWorkerPool(1, sfu.PortRange{}, "")
	require.NoError(t, err)

	ps, err := pubsub.MakePubSub(context.Background(), &config.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	idx := membership.New(ps, slog.Default())
	dispatcher := newFakeDispatcher()
	return voice.New(workers, idx, dispatcher, slog.Default()), dispatcher
}

func TestJoinEmitsCapabilitiesThenExistingProducers(t *testing.T) {
	o, dispatcher := newOrchestrator(t)

	conn := uuid.NewString()
	err := o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1", Username: "alice"})
	require.NoError(t, err)

	got := dispatcher.eventsFor(conn)
	require.Len(t, got, 2)
	require.Equal(t, events.EventRouterRTPCapabilities, got[0].event)
	require.Equal(t, events.EventExistingProducers, got[1].event)

	producers, ok := got[1].data.(events.ExistingProducersPayload)
	require.True(t, ok)
	require.Empty(t, producers.Producers)
}

func TestJoinIsIdempotentForSameChannel(t *testing.T) {
	o, dispatcher := newOrchestrator(t)
	conn := uuid.NewString()

	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))
	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	// The second join is a no-op: no additional capability/producer push.
	require.Len(t, dispatcher.eventsFor(conn), 2)
}

func TestJoinDifferentChannelWithoutLeaveFails(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()

	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	err := o.Join(context.Background(), conn, "c2", "u1", events.UserView{ID: "u1"})
	require.Error(t, err)
	var gwErr *gatewayerr.Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, gatewayerr.InvalidState, gwErr.Kind)
}

func TestLeaveIsIdempotent(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()

	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))
	require.NoError(t, o.Leave(conn))
	require.NoError(t, o.Leave(conn)) // R2: double leave is a no-op
}

func TestLeaveAllowsRejoin(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()

	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))
	require.NoError(t, o.Leave(conn))
	require.NoError(t, o.Join(context.Background(), conn, "c2", "u1", events.UserView{ID: "u1"}))
}

func TestCreateTransportRequiresJoin(t *testing.T) {
	o, _ := newOrchestrator(t)

	_, err := o.CreateTransport(context.Background(), uuid.NewString(), "c1", sfu.DirectionSend)
	require.Error(t, err)
	var gwErr *gatewayerr.Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, gatewayerr.InvalidState, gwErr.Kind)
}

func TestCreateTransportRejectsWrongChannel(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()
	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	_, err := o.CreateTransport(context.Background(), conn, "c2", sfu.DirectionSend)
	require.Error(t, err)
}

func TestCreateTransportTwiceSameDirectionFails(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()
	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	params, err := o.CreateTransport(context.Background(), conn, "c1", sfu.DirectionSend)
	require.NoError(t, err)
	require.NotEmpty(t, params.ID)
	require.NotEmpty(t, params.DTLSParameters)

	_, err = o.CreateTransport(context.Background(), conn, "c1", sfu.DirectionSend)
	require.Error(t, err)
}

func TestCreateTransportRejectsInvalidDirection(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()
	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	_, err := o.CreateTransport(context.Background(), conn, "c1", sfu.Direction("sideways"))
	require.Error(t, err)
}

func TestConnectTransportRejectsMalformedDTLSParameters(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()
	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	params, err := o.CreateTransport(context.Background(), conn, "c1", sfu.DirectionSend)
	require.NoError(t, err)

	err = o.ConnectTransport(conn, params.ID, json.RawMessage(`{"not":"a string"}`))
	require.Error(t, err)
	var gwErr *gatewayerr.Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, gatewayerr.BadRequest, gwErr.Kind)
}

func TestConnectTransportRejectsUnownedTransport(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()
	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	sdp, _ := json.Marshal("v=0\r\n")
	err := o.ConnectTransport(conn, "does-not-exist", sdp)
	require.Error(t, err)
	var gwErr *gatewayerr.Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, gatewayerr.NotFound, gwErr.Kind)
}

func TestConsumeUnknownProducerFails(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()
	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	params, err := o.CreateTransport(context.Background(), conn, "c1", sfu.DirectionRecv)
	require.NoError(t, err)

	caps, _ := json.Marshal(map[string]any{
		"codecs": []map[string]string{{"mimeType": webrtc.MimeTypeOpus}},
	})
	_, err = o.Consume(context.Background(), conn, "does-not-exist", caps, params.ID)
	require.Error(t, err)
	var gwErr *gatewayerr.Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, gatewayerr.NotFound, gwErr.Kind)
}

func TestProduceRequiresSendTransport(t *testing.T) {
	o, _ := newOrchestrator(t)
	conn := uuid.NewString()
	require.NoError(t, o.Join(context.Background(), conn, "c1", "u1", events.UserView{ID: "u1"}))

	_, err := o.Produce(context.Background(), conn, "nonexistent-transport", "audio", nil)
	require.Error(t, err)
	var gwErr *gatewayerr.Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, gatewayerr.InvalidState, gwErr.Kind)
}

func TestPruneOrphansLeavesDeadConnectionsOnly(t *testing.T) {
	o, _ := newOrchestrator(t)
	alive := uuid.NewString()
	dead := uuid.NewString()
	require.NoError(t, o.Join(context.Background(), alive, "c1", "u-alive", events.UserView{ID: "u-alive"}))
	require.NoError(t, o.Join(context.Background(), dead, "c1", "u-dead", events.UserView{ID: "u-dead"}))

	o.PruneOrphans(func(connID string) bool { return connID == alive })

	// The dead connection's producer/consumer teardown, if any, would
	// have notified the alive peer; absence of an error here is the
	// main signal, but rejoin on the same channel is only legal for the
	// one that actually left.
	require.NoError(t, o.Join(context.Background(), dead, "c1", "u-dead", events.UserView{ID: "u-dead"}))
	require.Error(t, o.Join(context.Background(), alive, "c2", "u-alive", events.UserView{ID: "u-alive"}))
}
