// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/httpapi"
	"github.com/parlor-chat/parlor/internal/identity"
	"github.com/parlor-chat/parlor/internal/pubsub"
	"github.com/parlor-chat/parlor/internal/store"
)

func newTestRouter(t *testing.T) (http.Handler, store.Store, *identity.Directory) {
	t.Helper()
	st := store.NewFileStore(filepath.Join(t.TempDir(), "doc.json"))
	ps, err := pubsub.MakePubSub(context.Background(), &config.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	dir := identity.New(st, ps, slog.Default())
	return httpapi.NewRouter(dir, st, slog.Default()), st, dir
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLoginRequiresUsername(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/auth/login", map[string]string{"username": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// TestLoginIsIdempotentPerUsername is R3: the same username always
// resolves to the same user.id across separate login calls.
func TestLoginIsIdempotentPerUsername(t *testing.T) {
	r, _, _ := newTestRouter(t)

	first := decode(t, doJSON(t, r, http.MethodPost, "/api/auth/login", map[string]string{"username": "alice"}))
	second := decode(t, doJSON(t, r, http.MethodPost, "/api/auth/login", map[string]string{"username": "alice"}))

	firstUser := first["user"].(map[string]any)
	secondUser := second["user"].(map[string]any)
	require.Equal(t, firstUser["id"], secondUser["id"])
}

func TestCreateServerThenListIncludesIt(t *testing.T) {
	r, _, _ := newTestRouter(t)

	created := decode(t, doJSON(t, r, http.MethodPost, "/api/servers", map[string]string{"name": "my-server"}))
	srv := created["server"].(map[string]any)
	require.Equal(t, "my-server", srv["name"])

	listed := decode(t, doJSON(t, r, http.MethodGet, "/api/servers", nil))
	servers := listed["servers"].([]any)
	require.Len(t, servers, 1)
}

func TestCreateChannelDefaultsToText(t *testing.T) {
	r, _, dir := newTestRouter(t)
	srv, err := dir.CreateServer("test")
	require.NoError(t, err)

	created := decode(t, doJSON(t, r, http.MethodPost, "/api/servers/"+srv.ID+"/channels", map[string]string{"name": "random"}))
	ch := created["channel"].(map[string]any)
	require.Equal(t, "text", ch["type"])
}

func TestCreateChannelUnknownServerFails(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/api/servers/does-not-exist/channels", map[string]string{"name": "random"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetMessagesReturnsHistory(t *testing.T) {
	r, st, dir := newTestRouter(t)
	srv, err := dir.CreateServer("test")
	require.NoError(t, err)
	channelID := srv.Channels[0].ID

	require.NoError(t, st.Update(func(doc *store.Doc) error {
		store.AppendMessage(doc, channelID, store.NewMessage("m1", "hello", store.UserRef{ID: "u1"}))
		return nil
	}))

	w := doJSON(t, r, http.MethodGet, "/api/servers/"+srv.ID+"/channels/"+channelID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
}

func TestGetMessagesUnknownChannelReturns404(t *testing.T) {
	r, _, dir := newTestRouter(t)
	srv, err := dir.CreateServer("test")
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodGet, "/api/servers/"+srv.ID+"/channels/does-not-exist/messages", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetMessagesWrongServerReturns404(t *testing.T) {
	r, _, dir := newTestRouter(t)
	srv, err := dir.CreateServer("test")
	require.NoError(t, err)
	channelID := srv.Channels[0].ID

	otherSrv, err := dir.CreateServer("other")
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodGet, "/api/servers/"+otherSrv.ID+"/channels/"+channelID+"/messages", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
