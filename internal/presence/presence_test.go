// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package presence_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/presence"
	"github.com/parlor-chat/parlor/internal/pubsub"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*presence.Registry, pubsub.PubSub) {
	t.Helper()
	ps, err := pubsub.MakePubSub(context.Background(), &config.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return presence.New(ps, slog.Default()), ps
}

func TestAddAndRemoveUpdatesSnapshot(t *testing.T) {
	r, _ := newRegistry(t)

	r.Add("conn-a", events.UserView{ID: "u1", Username: "alice"})
	r.Add("conn-b", events.UserView{ID: "u2", Username: "bob"})
	require.Len(t, r.Snapshot(), 2)

	r.Remove("conn-a")
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "u2", snap[0].ID)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r, _ := newRegistry(t)

	r.Add("conn-a", events.UserView{ID: "u1", Username: "alice"})
	r.Remove("conn-a")
	r.Remove("conn-a") // double-fire: must not panic or broadcast again

	require.Empty(t, r.Snapshot())
}

func TestAddBroadcastsUsersUpdate(t *testing.T) {
	r, ps := newRegistry(t)

	sub := ps.Subscribe(events.TopicBroadcast)
	t.Cleanup(func() { _ = sub.Close() })

	r.Add("conn-a", events.UserView{ID: "u1", Username: "alice"})

	select {
	case msg := <-sub.Channel():
		require.Contains(t, string(msg), events.EventUsersUpdate)
		require.Contains(t, string(msg), "alice")
	default:
		t.Fatal("expected a users_update broadcast")
	}
}
