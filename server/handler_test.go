package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-patch-history/store"
)

func setupTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := runHub(t, newTestModel(t))
	server := httptest.NewServer(NewHandler(hub))
	t.Cleanup(server.Close)
	return server, hub
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createDoc(t *testing.T, server *httptest.Server, fields map[string]any) store.Document {
	t.Helper()
	var doc store.Document
	status := doJSON(t, http.MethodPost, server.URL+"/documents", map[string]any{"fields": fields}, &doc)
	require.Equal(t, http.StatusCreated, status)
	return doc
}

func listPatches(t *testing.T, server *httptest.Server, id, order string) []store.Patch {
	t.Helper()
	var ps []store.Patch
	status := doJSON(t, http.MethodGet, server.URL+"/documents/"+id+"/patches?order="+order, nil, &ps)
	require.Equal(t, http.StatusOK, status)
	return ps
}

func TestHandler_DocumentLifecycle(t *testing.T) {
	server, _ := setupTestServer(t)

	doc := createDoc(t, server, map[string]any{"title": "foo"})
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, 0, doc.Version)

	var got store.Document
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, server.URL+"/documents/"+doc.ID, nil, &got))
	assert.Equal(t, "foo", got.Fields["title"])

	var updated store.Document
	status := doJSON(t, http.MethodPut, server.URL+"/documents/"+doc.ID, map[string]any{
		"fields":   map[string]any{"title": "bar"},
		"virtuals": map[string]any{"user": "alice"},
	}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bar", updated.Fields["title"])
	assert.Equal(t, 1, updated.Version)

	ps := listPatches(t, server, doc.ID, "asc")
	require.Len(t, ps, 2)
	assert.Equal(t, "N", string(ps[0].Ops[0].Kind))
	assert.Equal(t, "E", string(ps[1].Ops[0].Kind))
	assert.Equal(t, "alice", ps[1].Extra["user"])

	desc := listPatches(t, server, doc.ID, "desc")
	require.Len(t, desc, 2)
	assert.Equal(t, ps[1].ID, desc[0].ID)

	require.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, server.URL+"/documents/"+doc.ID, nil, nil))
	assert.Empty(t, listPatches(t, server, doc.ID, ""))

	var errResp errorResponse
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, server.URL+"/documents/"+doc.ID, nil, &errResp))
	assert.Equal(t, "storage", errResp.Kind)
}

func TestHandler_Rollback(t *testing.T) {
	server, _ := setupTestServer(t)
	doc := createDoc(t, server, map[string]any{"title": "v1"})
	for _, title := range []string{"v2", "v3"} {
		status := doJSON(t, http.MethodPut, server.URL+"/documents/"+doc.ID, map[string]any{"fields": map[string]any{"title": title}}, nil)
		require.Equal(t, http.StatusOK, status)
	}
	ps := listPatches(t, server, doc.ID, "asc")
	require.Len(t, ps, 3)

	var rolled store.Document
	status := doJSON(t, http.MethodPost, server.URL+"/documents/"+doc.ID+"/rollback", map[string]any{
		"patchId":  ps[2].ID,
		"fields":   map[string]any{"note": "restored"},
		"virtuals": map[string]any{"user": "admin"},
	}, &rolled)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"title": "v2", "note": "restored"}, rolled.Fields)

	after := listPatches(t, server, doc.ID, "asc")
	require.Len(t, after, 4)
	assert.Equal(t, "admin", after[3].Extra["user"])
}

func TestHandler_RollbackUnknownPatch(t *testing.T) {
	server, _ := setupTestServer(t)
	doc := createDoc(t, server, map[string]any{"title": "v1"})

	var errResp errorResponse
	status := doJSON(t, http.MethodPost, server.URL+"/documents/"+doc.ID+"/rollback", map[string]any{"patchId": "nope"}, &errResp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "rollback", errResp.Kind)
	assert.Contains(t, errResp.Error, "patch doesn't exist")
	assert.Len(t, listPatches(t, server, doc.ID, "asc"), 1)
}

func TestHandler_BadRequests(t *testing.T) {
	server, _ := setupTestServer(t)
	doc := createDoc(t, server, map[string]any{"title": "v1"})

	resp, err := http.Post(server.URL+"/documents", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, server.URL+"/documents/"+doc.ID+"/rollback", map[string]any{}, nil))

	var errResp errorResponse
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, server.URL+"/documents/"+doc.ID+"/patches?order=sideways", nil, &errResp))

	// Included fields are type checked.
	status := doJSON(t, http.MethodPut, server.URL+"/documents/"+doc.ID, map[string]any{
		"fields":   map[string]any{"title": "v2"},
		"virtuals": map[string]any{"user": 42},
	}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestHandler_VersionConflict(t *testing.T) {
	server, _ := setupTestServer(t)
	doc := createDoc(t, server, map[string]any{"title": "v1"})

	status := doJSON(t, http.MethodPut, server.URL+"/documents/"+doc.ID, map[string]any{
		"fields":  map[string]any{"title": "v2"},
		"version": 0,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	var errResp errorResponse
	status = doJSON(t, http.MethodPut, server.URL+"/documents/"+doc.ID, map[string]any{
		"fields":  map[string]any{"title": "stale"},
		"version": 0,
	}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, errResp.Error, "version conflict")
}

func TestHandler_Metrics(t *testing.T) {
	server, _ := setupTestServer(t)
	createDoc(t, server, map[string]any{"title": "v1"})

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "patchhistory_patches_appended_total")
}

func wsConnect(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWsMsg(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandler_WebSocketFeed(t *testing.T) {
	server, _ := setupTestServer(t)
	doc := createDoc(t, server, map[string]any{"title": "v1"})

	conn1 := wsConnect(t, server)
	conn2 := wsConnect(t, server)
	for _, conn := range []*websocket.Conn{conn1, conn2} {
		require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgSubscribe, Ref: doc.ID}))
		msg := readWsMsg(t, conn)
		require.Equal(t, MsgDoc, msg.Type)
		assert.Equal(t, "v1", msg.Fields["title"])
		assert.Equal(t, 1, msg.Revision)
	}

	status := doJSON(t, http.MethodPut, server.URL+"/documents/"+doc.ID, map[string]any{"fields": map[string]any{"title": "v2"}}, nil)
	require.Equal(t, http.StatusOK, status)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readWsMsg(t, conn)
		require.Equal(t, MsgPatch, msg.Type)
		assert.Equal(t, doc.ID, msg.Ref)
		assert.Equal(t, 2, msg.Revision)
		require.NotNil(t, msg.Patch)
		assert.Equal(t, "v1", msg.Patch.Ops[0].LHS)
	}
}

func TestHandler_WebSocketErrors(t *testing.T) {
	server, _ := setupTestServer(t)
	conn := wsConnect(t, server)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "invalid message format", readWsMsg(t, conn).Message)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "dance"}))
	assert.Equal(t, "unknown message type: dance", readWsMsg(t, conn).Message)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgSubscribe}))
	assert.Equal(t, "ref is required", readWsMsg(t, conn).Message)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgUnsubscribe}))
	assert.Equal(t, "not subscribed to a document", readWsMsg(t, conn).Message)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgSubscribe, Ref: "missing"}))
	msg := readWsMsg(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "document not found", msg.Message)
}
