// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

// Package membership is the Channel Membership Index (spec.md §2 item
// 4, §4.3): for each voice channel, an ordered set of (connection,
// user-view) tuples. Every mutation is followed by a snapshot
// broadcast of voice_channel_users_update for every currently
// non-empty channel — intentionally O(channels) per mutation, per the
// spec's own flagged scalability concern (§9), because it lets any
// client reconstruct the full picture from a single event type.
package membership

import (
	"log/slog"
	"sync"

	"github.com/parlor-chat/parlor/internal/events"
	"github.com/parlor-chat/parlor/internal/pubsub"
)

type entry struct {
	connID string
	user   events.UserView
}

// ChannelSnapshot is one channel's current participant list, used both
// for the broadcast-all discipline and for new-connection catch-up.
type ChannelSnapshot struct {
	ChannelID string
	Users     []events.UserView
}

// Index holds the live membership of every voice channel. A single
// mutex guards it (§5): readers enumerating peers take the snapshot
// under the lock and broadcast after release, never while holding it.
type Index struct {
	mu       sync.Mutex
	channels map[string][]entry

	pubsub pubsub.PubSub
	logger *slog.Logger
}

// New constructs an empty Index publishing to ps.
func New(ps pubsub.PubSub, logger *slog.Logger) *Index {
	return &Index{
		channels: make(map[string][]entry),
		pubsub:   ps,
		logger:   logger.With("component", "membership"),
	}
}

// Add inserts (connID, user) into channelID's ordered set, or replaces
// the user view if connID is already present, then broadcasts every
// currently non-empty channel's snapshot.
func (idx *Index) Add(channelID, connID string, user events.UserView) {
	idx.mu.Lock()
	list := idx.channels[channelID]
	replaced := false
	for i := range list {
		if list[i].connID == connID {
			list[i].user = user
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, entry{connID: connID, user: user})
	}
	idx.channels[channelID] = list
	all := idx.snapshotAllLocked()
	idx.mu.Unlock()

	idx.broadcastAll(all)
}

// Remove drops connID from channelID's set. If the channel becomes
// empty it is dropped from the index after one explicit empty-array
// broadcast for that channel, then every other non-empty channel is
// re-broadcast per the per-mutation discipline. No-op if connID was
// not a member of channelID.
func (idx *Index) Remove(channelID, connID string) {
	idx.mu.Lock()
	list, ok := idx.channels[channelID]
	if !ok {
		idx.mu.Unlock()
		return
	}

	filtered := make([]entry, 0, len(list))
	found := false
	for _, e := range list {
		if e.connID == connID {
			found = true
			continue
		}
		filtered = append(filtered, e)
	}
	if !found {
		idx.mu.Unlock()
		return
	}

	emptied := len(filtered) == 0
	if emptied {
		delete(idx.channels, channelID)
	} else {
		idx.channels[channelID] = filtered
	}
	all := idx.snapshotAllLocked()
	idx.mu.Unlock()

	if emptied {
		idx.broadcastChannel(channelID, nil)
	}
	idx.broadcastAll(all)
}

// RemoveFromAll removes connID from every channel it belongs to
// (disconnect cleanup: I1 means a participant is in at most one voice
// channel at a time, but this stays correct even if that's ever
// relaxed).
func (idx *Index) RemoveFromAll(connID string) {
	idx.mu.Lock()
	var member []string
	for channelID, list := range idx.channels {
		for _, e := range list {
			if e.connID == connID {
				member = append(member, channelID)
				break
			}
		}
	}
	idx.mu.Unlock()

	for _, channelID := range member {
		idx.Remove(channelID, connID)
	}
}

// Snapshot returns every currently non-empty channel's membership, for
// new-connection catch-up (§4.3).
func (idx *Index) Snapshot() []ChannelSnapshot {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.snapshotAllLocked()
}

func (idx *Index) snapshotAllLocked() []ChannelSnapshot {
	out := make([]ChannelSnapshot, 0, len(idx.channels))
	for channelID, list := range idx.channels {
		users := make([]events.UserView, len(list))
		for i, e := range list {
			users[i] = e.user
		}
		out = append(out, ChannelSnapshot{ChannelID: channelID, Users: users})
	}
	return out
}

func (idx *Index) broadcastAll(all []ChannelSnapshot) {
	for _, snap := range all {
		idx.broadcastChannel(snap.ChannelID, snap.Users)
	}
}

func (idx *Index) broadcastChannel(channelID string, users []events.UserView) {
	if users == nil {
		users = []events.UserView{}
	}
	payload, err := events.MarshalOutbound(events.EventVoiceChannelUsersUpdate, events.VoiceChannelUsersUpdatePayload{
		ChannelID: channelID,
		Users:     users,
	})
	if err != nil {
		idx.logger.Error("failed to marshal voice_channel_users_update", "channel_id", channelID, "error", err)
		return
	}
	if err := idx.pubsub.Publish(events.TopicBroadcast, payload); err != nil {
		idx.logger.Error("failed to publish voice_channel_users_update", "channel_id", channelID, "error", err)
	}
}
