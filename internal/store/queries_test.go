// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package store

import "testing"

func TestUpsertUserInsertsOnce(t *testing.T) {
	var doc Doc
	first := UpsertUser(&doc, User{ID: "u1", Username: "alice"})
	second := UpsertUser(&doc, User{ID: "u1", Username: "alice-impersonator"})

	if len(doc.Users) != 1 {
		t.Fatalf("expected exactly one user, got %d", len(doc.Users))
	}
	if first.Username != "alice" || second.Username != "alice" {
		t.Fatalf("expected existing user to win, got %+v / %+v", first, second)
	}
}

func TestAddChannelAndAppendMessage(t *testing.T) {
	var doc Doc
	AddServer(&doc, Server{ID: "s1", Name: "General"})

	if !AddChannel(&doc, "s1", Channel{ID: "c1", Name: "general", Type: ChannelTypeText}) {
		t.Fatal("expected channel to be added")
	}
	if AddChannel(&doc, "missing", Channel{ID: "c2"}) {
		t.Fatal("expected AddChannel against a missing server to fail")
	}

	msg := NewMessage("m1", "hello", UserRef{ID: "u1", Username: "alice"})
	if !AppendMessage(&doc, "c1", msg) {
		t.Fatal("expected message to be appended")
	}
	if AppendMessage(&doc, "missing", msg) {
		t.Fatal("expected AppendMessage against a missing channel to fail")
	}

	_, ch, ok := FindChannel(doc, "c1")
	if !ok || len(ch.Messages) != 1 || ch.Messages[0].Content != "hello" {
		t.Fatalf("expected one message in channel, got %+v", ch)
	}
}

func TestFindServerAndUser(t *testing.T) {
	doc := Doc{
		Users:   []User{{ID: "u1", Username: "alice"}},
		Servers: []Server{{ID: "s1", Name: "General"}},
	}

	if _, ok := FindUserByUsername(doc, "alice"); !ok {
		t.Error("expected to find user by username")
	}
	if _, ok := FindUserByUsername(doc, "bob"); ok {
		t.Error("expected no user named bob")
	}
	if _, ok := FindServer(doc, "s1"); !ok {
		t.Error("expected to find server s1")
	}
	if _, ok := FindServer(doc, "missing"); ok {
		t.Error("expected no server named missing")
	}
}
