// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/qqbridge/pkg/hub"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM simulates the parts of the Mattermost API the adapter uses.
type fakeMM struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []endpointCall
	nextID int

	// TokenToUser maps bearer tokens to users for GetMe auth.
	TokenToUser map[string]*model.User
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		TokenToUser:   make(map[string]*model.User),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path
	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		auth := r.Header.Get("Authorization")
		for tok, u := range f.TokenToUser {
			if auth == "BEARER "+tok || auth == "Bearer "+tok {
				_ = json.NewEncoder(w).Encode(u)
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		f.nextID++
		post.Id = fmt.Sprintf("created-%d", f.nextID)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&post)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == "PUT" && strings.HasSuffix(path, "/patch"):
		_ = json.NewEncoder(w).Encode(&model.Post{Id: "patched"})

	// DELETE /api/v4/posts/{post_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/posts/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postJSON(t *testing.T, post *model.Post) string {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return string(data)
}

func newMMFixture(t *testing.T, serverURL string) (*MattermostAdapter, *hub.Hub) {
	t.Helper()
	h := newTestHub(nil)
	m := NewMattermostAdapter(MattermostConfig{ServerURL: serverURL, Token: "bot-token", BotPrefix: "bridge_"}, h, testLinks(t), zerolog.Nop())
	m.userID = "bot-user"
	return m, h
}

func TestHandleEventPublishes(t *testing.T) {
	t.Parallel()
	m, h := newMMFixture(t, "http://localhost")
	sink := attachSink(t, h, "sink")

	m.handleEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch-lobby", map[string]any{
		"post":        postJSON(t, &model.Post{Id: "p1", ChannelId: "ch-lobby", UserId: "u1", Message: "**hello**", CreateAt: 1700000000000}),
		"sender_name": "@alice",
	}))
	evt := nextEvent(t, sink)
	if evt.Origin != NameMattermost || evt.Kind != hub.KindMessage || evt.MessageID != "p1" {
		t.Errorf("got %+v", evt)
	}
	if evt.Payload.Text != "hello" {
		t.Errorf("Text: got %q, want %q", evt.Payload.Text, "hello")
	}
	if evt.Payload.SenderName != "alice" || evt.Payload.SenderID != "u1" {
		t.Errorf("Payload: got %+v", evt.Payload)
	}
	if evt.ConversationKey != "lobby" {
		t.Errorf("ConversationKey: got %q", evt.ConversationKey)
	}

	m.handleEvent(newWebSocketEvent(model.WebsocketEventPostEdited, "ch-lobby", map[string]any{
		"post": postJSON(t, &model.Post{Id: "p1", ChannelId: "ch-lobby", UserId: "u1", Message: "hello again"}),
	}))
	edit := nextEvent(t, sink)
	if edit.Kind != hub.KindEdit || edit.CorrelationID != evt.CorrelationID {
		t.Errorf("edit: got kind %v correlation %q, want %q", edit.Kind, edit.CorrelationID, evt.CorrelationID)
	}

	m.handleEvent(newWebSocketEvent(model.WebsocketEventPostDeleted, "ch-lobby", map[string]any{
		"post": postJSON(t, &model.Post{Id: "p1", ChannelId: "ch-lobby", UserId: "u1"}),
	}))
	del := nextEvent(t, sink)
	if del.Kind != hub.KindDelete || del.CorrelationID != evt.CorrelationID {
		t.Errorf("delete: got kind %v correlation %q", del.Kind, del.CorrelationID)
	}
}

func TestHandleEventSkips(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		eventType model.WebsocketEventType
		data      map[string]any
	}{
		{"own post", model.WebsocketEventPosted, map[string]any{
			"post": `{"id":"p1","channel_id":"ch-lobby","user_id":"bot-user","message":"echo"}`,
		}},
		{"system message", model.WebsocketEventPosted, map[string]any{
			"post": `{"id":"p2","channel_id":"ch-lobby","user_id":"u1","type":"system_join_channel"}`,
		}},
		{"bridge username", model.WebsocketEventPosted, map[string]any{
			"post":        `{"id":"p3","channel_id":"ch-lobby","user_id":"u2","message":"relay"}`,
			"sender_name": "@qq_10001",
		}},
		{"configured prefix", model.WebsocketEventPosted, map[string]any{
			"post":        `{"id":"p4","channel_id":"ch-lobby","user_id":"u3","message":"relay"}`,
			"sender_name": "bridge_irc",
		}},
		{"unlinked channel", model.WebsocketEventPosted, map[string]any{
			"post": `{"id":"p5","channel_id":"ch-other","user_id":"u1","message":"hi"}`,
		}},
		{"missing post", model.WebsocketEventPosted, map[string]any{}},
		{"bad json", model.WebsocketEventPosted, map[string]any{"post": "{"}},
		{"edit without correlation", model.WebsocketEventPostEdited, map[string]any{
			"post": `{"id":"p6","channel_id":"ch-lobby","user_id":"u1","message":"late"}`,
		}},
		{"unhandled type", model.WebsocketEventTyping, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, h := newMMFixture(t, "http://localhost")
			sink := attachSink(t, h, "sink")
			m.handleEvent(newWebSocketEvent(tt.eventType, "ch-lobby", tt.data))
			expectNoEvent(t, sink)
		})
	}
}

func TestIsBridgeUsername(t *testing.T) {
	t.Parallel()
	tests := []struct {
		username string
		prefix   string
		want     bool
	}{
		{"qqbridge", "", true},
		{"qq_12345", "", true},
		{"bridge_x", "bridge_", true},
		{"alice", "bridge_", false},
		{"qqfan", "", false},
		{"bridge_x", "", false},
	}
	for _, tt := range tests {
		if got := isBridgeUsername(tt.username, tt.prefix); got != tt.want {
			t.Errorf("isBridgeUsername(%q, %q): got %v, want %v", tt.username, tt.prefix, got, tt.want)
		}
	}
}

func TestHandleHubEventCreatePatchDelete(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	defer fake.Close()
	m, h := newMMFixture(t, fake.Server.URL)

	inbox := attachSink(t, h, NameMattermost)
	h.Publish(hub.Event{
		Origin:          NameQQ,
		MessageID:       "555:1",
		ConversationKey: "lobby",
		Kind:            hub.KindMessage,
		Payload:         hub.Content{Text: "from qq", SenderName: "carol"},
	})
	msg := nextEvent(t, inbox)
	h.Detach(NameMattermost)

	ctx := context.Background()
	m.handleHubEvent(ctx, msg)
	got, ok := h.Resolve(NameQQ, "555:1", NameMattermost)
	if !ok || got != "created-1" {
		t.Fatalf("Resolve: got %q, %v, want created-1", got, ok)
	}

	edit := msg
	edit.Kind = hub.KindEdit
	edit.Payload.Text = "edited"
	m.handleHubEvent(ctx, edit)

	del := msg
	del.Kind = hub.KindDelete
	m.handleHubEvent(ctx, del)

	calls := fake.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls: got %d, want 3: %+v", len(calls), calls)
	}
	if calls[0].Method != "POST" || !strings.Contains(calls[0].Body, `"channel_id":"ch-lobby"`) || !strings.Contains(calls[0].Body, "[carol] from qq") {
		t.Errorf("create: got %+v", calls[0])
	}
	if calls[1].Method != "PUT" || calls[1].Path != "/api/v4/posts/created-1/patch" || !strings.Contains(calls[1].Body, "[carol] edited") {
		t.Errorf("patch: got %+v", calls[1])
	}
	if calls[2].Method != "DELETE" || calls[2].Path != "/api/v4/posts/created-1" {
		t.Errorf("delete: got %+v", calls[2])
	}
}

func TestHandleHubEventWithoutPostSkipsAPI(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	defer fake.Close()
	m, _ := newMMFixture(t, fake.Server.URL)

	m.handleHubEvent(context.Background(), hub.Event{
		Origin:          NameQQ,
		ConversationKey: "lobby",
		Kind:            hub.KindDelete,
		CorrelationID:   "unknown",
	})
	m.handleHubEvent(context.Background(), hub.Event{
		Origin:          NameQQ,
		ConversationKey: "nowhere",
		Kind:            hub.KindMessage,
	})
	if calls := fake.Calls(); len(calls) != 0 {
		t.Errorf("expected no API calls, got %+v", calls)
	}
}

func TestHandleHubEventCreateFailure(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	defer fake.Close()
	fake.FailEndpoints["/api/v4/posts"] = true
	m, h := newMMFixture(t, fake.Server.URL)

	inbox := attachSink(t, h, NameMattermost)
	h.Publish(hub.Event{Origin: NameQQ, MessageID: "555:2", ConversationKey: "lobby", Kind: hub.KindMessage})
	msg := nextEvent(t, inbox)

	m.handleHubEvent(context.Background(), msg)
	if _, ok := h.Resolve(NameQQ, "555:2", NameMattermost); ok {
		t.Error("failed post must not be correlated")
	}
}

func TestMattermostRunRejectsBadToken(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	defer fake.Close()
	fake.TokenToUser["other-token"] = &model.User{Id: "bot-user", Username: "qqbridge"}
	h := newTestHub(nil)
	m := NewMattermostAdapter(MattermostConfig{ServerURL: fake.Server.URL, Token: "bot-token"}, h, testLinks(t), zerolog.Nop())

	err := m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "verify mattermost session") {
		t.Fatalf("Run: got %v, want session error", err)
	}
	if len(h.Adapters()) != 0 {
		t.Errorf("adapter must not stay attached, got %v", h.Adapters())
	}
}

func TestHttpToWS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"https://mm.example.com", "wss://mm.example.com"},
		{"http://localhost:8065", "ws://localhost:8065"},
		{"ws://already", "ws://already"},
	}
	for _, tt := range tests {
		if got := httpToWS(tt.in); got != tt.want {
			t.Errorf("httpToWS(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
