package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/auth"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/config"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/crdt"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/persist"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/presence"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/room"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/search"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/store"
	"github.com/Leen4k/pdf-chat-notes-sub000/internal/transport"
)

const testSecret = "app-test-secret"

type testEnv struct {
	store    *store.MemoryStore
	bridge   *persist.Bridge
	rooms    *room.Manager
	presence *presence.Broadcaster
}

func newTestHTTPServer(t *testing.T) (*HTTPServer, *Service) {
	t.Helper()
	server, svc, _ := newTestStack(t)
	return server, svc
}

func newTestStack(t *testing.T) (*HTTPServer, *Service, *testEnv) {
	t.Helper()
	log := zap.NewNop()
	memory := store.NewMemoryStore()
	bridge := persist.NewBridge(memory, persist.Options{}, log)
	rooms := room.NewManager(bridge, nil, room.Options{FlushDebounce: time.Hour, DrainTimeout: 2 * time.Second}, log)
	pres := presence.NewBroadcaster(time.Minute, nil, log)
	searchService := search.NewService(nil, search.NewPgFTS(memory), log)
	env := &testEnv{store: memory, bridge: bridge, rooms: rooms, presence: pres}

	cfg := config.Config{JWTSecret: testSecret, DevLogin: true, TokenTTL: time.Hour}
	svc := New(cfg, rooms, pres, searchService, log)
	sockets := transport.NewServer(rooms, pres, svc.Authenticate, transport.Options{}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = rooms.Shutdown(ctx)
		sockets.Wait()
	})
	return NewHTTPServer(svc, sockets, "*", log), svc, env
}

func bearer(t *testing.T, user string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Identity{UserID: user, Name: user}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + token
}

func seedSnapshot(t *testing.T, env *testEnv, id, text string) {
	t.Helper()
	snap, err := persist.Encode(crdt.Seed(id, text))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.bridge.Flush(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
}

func do(t *testing.T, server *HTTPServer, method, path, authorization string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	server, _ := newTestHTTPServer(t)

	for _, path := range []string{"/api/rooms", "/api/rooms/doc_a", "/api/rooms/doc_a/presence", "/api/search?q=x"} {
		rr := do(t, server, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
		rr = do(t, server, http.MethodGet, path, "Bearer not-a-token", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 for a bad token, got %d", path, rr.Code)
		}
	}
}

func TestSessionLoginIssuesUsableToken(t *testing.T) {
	server, _ := newTestHTTPServer(t)

	rr := do(t, server, http.MethodPost, "/api/session/login", "", []byte(`{"name":"  Avery  "}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var login struct {
		Token    string `json:"token"`
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
		Color    string `json:"color"`
	}
	decode(t, rr, &login)
	if login.Token == "" || login.UserName != "Avery" || !strings.HasPrefix(login.UserID, "user_") || login.Color == "" {
		t.Fatalf("unexpected login payload %+v", login)
	}

	rr = do(t, server, http.MethodPost, "/api/session/login", "", []byte(`{"name":"avery"}`))
	var again struct {
		UserID string `json:"userId"`
	}
	decode(t, rr, &again)
	if again.UserID != login.UserID {
		t.Fatalf("the same name should map to the same user, got %s and %s", login.UserID, again.UserID)
	}

	rr = do(t, server, http.MethodGet, "/api/session", "Bearer "+login.Token, nil)
	var session map[string]any
	decode(t, rr, &session)
	if session["authenticated"] != true || session["userName"] != "Avery" {
		t.Fatalf("unexpected session %v", session)
	}
}

func TestSessionLoginValidation(t *testing.T) {
	server, svc := newTestHTTPServer(t)

	if rr := do(t, server, http.MethodPost, "/api/session/login", "", []byte(`{"name":`)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rr.Code)
	}
	if rr := do(t, server, http.MethodPost, "/api/session/login", "", []byte(`{"name":"  "}`)); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a blank name, got %d", rr.Code)
	}

	svc.cfg.DevLogin = false
	if rr := do(t, server, http.MethodPost, "/api/session/login", "", []byte(`{"name":"Avery"}`)); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when dev login is off, got %d", rr.Code)
	}
}

func TestDocumentEndpointReadsStoredAndLiveContent(t *testing.T) {
	server, _, env := newTestStack(t)
	token := bearer(t, "u1")
	seedSnapshot(t, env, "doc_a", "stored text")

	rr := do(t, server, http.MethodGet, "/api/rooms/doc_a", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var doc DocumentPayload
	decode(t, rr, &doc)
	if doc.Live || doc.Text != "stored text" || doc.Version != 1 || doc.ProseMirror.Type != "doc" {
		t.Fatalf("unexpected stored document %+v", doc)
	}

	peer := &stubPeer{id: "conn_1"}
	handle, err := env.rooms.Join(context.Background(), room.JoinRequest{DocumentID: "doc_a", Peer: peer, UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Leave()

	rr = do(t, server, http.MethodGet, "/api/rooms/doc_a", token, nil)
	decode(t, rr, &doc)
	if !doc.Live || doc.Text != "stored text" {
		t.Fatalf("expected the live room to answer, got %+v", doc)
	}

	var listing struct {
		Rooms []room.Info `json:"rooms"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = do(t, server, http.MethodGet, "/api/rooms", token, nil)
		decode(t, rr, &listing)
		if len(listing.Rooms) == 1 && listing.Rooms[0].DocumentID == "doc_a" && listing.Rooms[0].Members == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unexpected rooms %+v", listing.Rooms)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDocumentEndpointNotFound(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	token := bearer(t, "u1")

	for _, path := range []string{"/api/rooms/missing", "/api/rooms/bad%20id", "/api/rooms/doc_a/unknown"} {
		rr := do(t, server, http.MethodGet, path, token, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rr.Code)
		}
		var payload map[string]any
		decode(t, rr, &payload)
		if payload["code"] != "NOT_FOUND" {
			t.Errorf("%s: expected NOT_FOUND, got %v", path, payload["code"])
		}
	}
	if rr := do(t, server, http.MethodPost, "/api/rooms/doc_a", token, nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", rr.Code)
	}
}

func TestExportEndpoint(t *testing.T) {
	server, _, env := newTestStack(t)
	token := bearer(t, "u1")
	seedSnapshot(t, env, "doc_a", "export me")

	rr := do(t, server, http.MethodGet, "/api/rooms/doc_a/export?format=text", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename="doc_a.txt"` {
		t.Errorf("unexpected disposition %q", cd)
	}
	if rr.Body.String() != "export me" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}

	rr = do(t, server, http.MethodGet, "/api/rooms/doc_a/export", token, nil)
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") || !strings.Contains(rr.Body.String(), "export me") {
		t.Errorf("html export by default, got %q %q", ct, rr.Body.String())
	}

	rr = do(t, server, http.MethodGet, "/api/rooms/doc_a/export?format=pdf", token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown format, got %d", rr.Code)
	}
	var payload map[string]any
	decode(t, rr, &payload)
	if payload["code"] != "UNSUPPORTED_FORMAT" {
		t.Errorf("expected UNSUPPORTED_FORMAT, got %v", payload["code"])
	}
}

func TestSearchEndpoint(t *testing.T) {
	server, _, env := newTestStack(t)
	token := bearer(t, "u1")
	seedSnapshot(t, env, "doc_a", "the quick brown fox")
	seedSnapshot(t, env, "doc_b", "a lazy dog")

	rr := do(t, server, http.MethodGet, "/api/search?q=fox", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var response search.Response
	decode(t, rr, &response)
	if response.Backend != search.BackendPgFTS || response.Total != 1 || response.Results[0].DocumentID != "doc_a" {
		t.Fatalf("unexpected search response %+v", response)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"/api/search?q=fox&limit=abc", http.StatusUnprocessableEntity},
		{"/api/search?q=fox&limit=500", http.StatusUnprocessableEntity},
		{"/api/search?q=fox&offset=-1", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		if rr := do(t, server, http.MethodGet, tt.query, token, nil); rr.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.query, tt.want, rr.Code)
		}
	}
}

func TestPresenceEndpoint(t *testing.T) {
	server, svc, env := newTestStack(t)
	token := bearer(t, "u1")

	env.presence.Join("doc_a", &stubSink{id: "conn_local"}, presence.Meta{UserID: "u1", Name: "Local"})

	rr := do(t, server, http.MethodGet, "/api/rooms/doc_a/presence", token, nil)
	var listing struct {
		Entries []presence.Entry `json:"entries"`
	}
	decode(t, rr, &listing)
	if len(listing.Entries) != 1 || listing.Entries[0].ConnectionID != "conn_local" {
		t.Fatalf("expected the local entry, got %+v", listing.Entries)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mirror := presence.NewRedisMirror(client, time.Minute)
	svc.WithPresenceMirror(mirror)
	ctx := context.Background()
	for _, id := range []string{"conn_b", "conn_a"} {
		if err := mirror.Put(ctx, "doc_a", presence.Entry{ConnectionID: id, UserID: "remote"}); err != nil {
			t.Fatal(err)
		}
	}

	rr = do(t, server, http.MethodGet, "/api/rooms/doc_a/presence", token, nil)
	decode(t, rr, &listing)
	if len(listing.Entries) != 2 || listing.Entries[0].ConnectionID != "conn_a" || listing.Entries[1].ConnectionID != "conn_b" {
		t.Fatalf("expected the mirrored entries in order, got %+v", listing.Entries)
	}

	mr.SetError("ERR mirror unavailable")
	rr = do(t, server, http.MethodGet, "/api/rooms/doc_a/presence", token, nil)
	decode(t, rr, &listing)
	if len(listing.Entries) != 1 || listing.Entries[0].ConnectionID != "conn_local" {
		t.Fatalf("expected a fallback to the local view, got %+v", listing.Entries)
	}
}

func TestRoomRouteUpgradesThroughMiddleware(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/room/doc_ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {bearer(t, "u1")}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	if err := ws.WriteJSON(transport.ClientFrame{Type: transport.FrameJoin, Initial: "hello"}); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame transport.ServerFrame
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Type != transport.FrameSync {
			continue
		}
		if frame.Content.PlainText() != "hello" {
			t.Fatalf("unexpected sync content %+v", frame.Content)
		}
		return
	}
}

type stubPeer struct {
	id string
}

func (p *stubPeer) ConnectionID() string   { return p.id }
func (p *stubPeer) Send(room.Message) bool { return true }
func (p *stubPeer) Close(error)            {}

type stubSink struct {
	id string
}

func (s *stubSink) ConnectionID() string             { return s.id }
func (s *stubSink) SendPresence(presence.Event) bool { return true }
