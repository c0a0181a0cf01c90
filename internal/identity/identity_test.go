// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package identity_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/identity"
	"github.com/parlor-chat/parlor/internal/pubsub"
	"github.com/parlor-chat/parlor/internal/store"
	"github.com/stretchr/testify/require"
)

func newDirectory(t *testing.T) *identity.Directory {
	t.Helper()
	st := store.NewFileStore(filepath.Join(t.TempDir(), "store.json"))
	ps, err := pubsub.MakePubSub(context.Background(), &config.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return identity.New(st, ps, slog.Default())
}

func TestResolveOrCreateUserSameUsernameSameID(t *testing.T) {
	d := newDirectory(t)

	u1, err := d.ResolveOrCreateUser("alice")
	require.NoError(t, err)

	u2, err := d.ResolveOrCreateUser("alice")
	require.NoError(t, err)

	require.Equal(t, u1.ID, u2.ID)
}

func TestResolveOrCreateUserRequiresUsername(t *testing.T) {
	d := newDirectory(t)

	_, err := d.ResolveOrCreateUser("")
	require.Error(t, err)
}

func TestCreateServerHasDefaultChannel(t *testing.T) {
	d := newDirectory(t)

	srv, err := d.CreateServer("my server")
	require.NoError(t, err)
	require.Len(t, srv.Channels, 1)
	require.Equal(t, "general", srv.Channels[0].Name)
	require.Equal(t, store.ChannelTypeText, srv.Channels[0].Type)

	servers := d.ListServers()
	require.Len(t, servers, 1)
	require.Equal(t, srv.ID, servers[0].ID)
}

func TestCreateChannelDefaultsToText(t *testing.T) {
	d := newDirectory(t)

	srv, err := d.CreateServer("my server")
	require.NoError(t, err)

	ch, err := d.CreateChannel(srv.ID, "voice lounge", store.ChannelTypeVoice)
	require.NoError(t, err)
	require.Equal(t, store.ChannelTypeVoice, ch.Type)

	ch2, err := d.CreateChannel(srv.ID, "random", "")
	require.NoError(t, err)
	require.Equal(t, store.ChannelTypeText, ch2.Type)
}

func TestCreateChannelUnknownServer(t *testing.T) {
	d := newDirectory(t)

	_, err := d.CreateChannel("nonexistent", "general", store.ChannelTypeText)
	require.Error(t, err)
}
