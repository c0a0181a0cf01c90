// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package store

import "time"

// FindUserByUsername returns the user with the given username, if any.
func FindUserByUsername(doc Doc, username string) (User, bool) {
	for _, u := range doc.Users {
		if u.Username == username {
			return u, true
		}
	}
	return User{}, false
}

// FindUserByID returns the user with the given ID, if any.
func FindUserByID(doc Doc, id string) (User, bool) {
	for _, u := range doc.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// FindServer returns the server with the given ID, if any.
func FindServer(doc Doc, id string) (Server, bool) {
	for _, s := range doc.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}

// FindChannel returns the channel with the given ID along with the server
// that owns it.
func FindChannel(doc Doc, channelID string) (Server, Channel, bool) {
	for _, s := range doc.Servers {
		for _, c := range s.Channels {
			if c.ID == channelID {
				return s, c, true
			}
		}
	}
	return Server{}, Channel{}, false
}

// UpsertUser inserts newUser if no user with its ID exists yet, or leaves the
// document untouched if one does. It is meant to be called through
// Store.Update so the check-then-insert is atomic against other writers.
func UpsertUser(doc *Doc, newUser User) User {
	if existing, ok := FindUserByID(*doc, newUser.ID); ok {
		return existing
	}
	doc.Users = append(doc.Users, newUser)
	return newUser
}

// AddServer appends a new server to the document.
func AddServer(doc *Doc, srv Server) {
	doc.Servers = append(doc.Servers, srv)
}

// AddChannel appends a new channel to the named server. Returns false if the
// server does not exist.
func AddChannel(doc *Doc, serverID string, ch Channel) bool {
	for i := range doc.Servers {
		if doc.Servers[i].ID == serverID {
			doc.Servers[i].Channels = append(doc.Servers[i].Channels, ch)
			return true
		}
	}
	return false
}

// AppendMessage appends msg to the named text channel, preserving arrival
// order (I7). Returns false if the channel does not exist.
func AppendMessage(doc *Doc, channelID string, msg Message) bool {
	for si := range doc.Servers {
		channels := doc.Servers[si].Channels
		for ci := range channels {
			if channels[ci].ID == channelID {
				channels[ci].Messages = append(channels[ci].Messages, msg)
				return true
			}
		}
	}
	return false
}

// NewMessage builds a Message stamped with the current time.
func NewMessage(id, content string, user UserRef) Message {
	return Message{
		ID:        id,
		Content:   content,
		User:      user,
		Timestamp: time.Now(),
	}
}
