package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coachsync/cmd/internal/chatsync"
	"coachsync/cmd/internal/transport"
)

type fakeUpstream struct {
	mu sync.Mutex

	connected bool
	err       error
	typingOK  bool

	direct []string
	group  []string
	reads  []string
	typing []string
}

func (f *fakeUpstream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) SendDirectMessage(_ context.Context, to, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, to+":"+content)
	return f.err
}

func (f *fakeUpstream) SendGroupMessage(_ context.Context, groupID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = append(f.group, groupID+":"+content)
	return f.err
}

func (f *fakeUpstream) SendTyping(_ context.Context, id string, kind chatsync.Kind, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, string(kind)+":"+id)
	return f.typingOK, f.err
}

func (f *fakeUpstream) MarkRead(_ context.Context, id string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id+":"+strings.Join(ids, ","))
	return f.err
}

func newTestAPI(t *testing.T, up *fakeUpstream) (*chatsync.Engine, http.Handler) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := chatsync.NewState(chatsync.StateConfig{UserID: "coach"})
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	eng := chatsync.NewEngine(log, st)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-eng.Done()
	})

	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{}, httpDeps{engine: eng, upstream: up})
	return eng, mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()

	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()

	var body errorBody
	decodeJSON(t, rr, &body)
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	_, h := newTestAPI(t, &fakeUpstream{})
	rr := do(t, h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestReadyz_TracksUpstream(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	_, h := newTestAPI(t, up)

	if rr := do(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("disconnected status=%d want=503", rr.Code)
	}

	up.mu.Lock()
	up.connected = true
	up.mu.Unlock()

	if rr := do(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("connected status=%d want=200", rr.Code)
	}
}

func TestReadyz_RequireDBWithoutDB(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{ReadinessRequireDB: true}, httpDeps{upstream: &fakeUpstream{connected: true}})

	if rr := do(t, mux, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=503", rr.Code)
	}
}

func TestConversations_ReflectEngineState(t *testing.T) {
	t.Parallel()

	eng, h := newTestAPI(t, &fakeUpstream{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := chatsync.Message{
		ID:          "m1",
		Kind:        chatsync.KindDirect,
		SenderID:    "client-1",
		RecipientID: "coach",
		Content:     "did the workout",
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if out, err := eng.Apply(ctx, chatsync.DirectMessageEvent{Message: msg, SenderName: "Ana"}); err != nil || out.Err != nil {
		t.Fatalf("apply: err=%v out=%v", err, out.Err)
	}

	rr := do(t, h, http.MethodGet, "/v1/conversations", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var list conversationsResponse
	decodeJSON(t, rr, &list)
	if len(list.Conversations) != 1 || list.Conversations[0].ID != "client-1" {
		t.Fatalf("conversations=%+v", list.Conversations)
	}
	if list.UnreadTotal != 1 || list.Version == 0 {
		t.Fatalf("unread=%d version=%d", list.UnreadTotal, list.Version)
	}

	rr = do(t, h, http.MethodGet, "/v1/conversations/direct/client-1/messages", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("messages status=%d", rr.Code)
	}
	var msgs struct {
		Messages []chatsync.Message `json:"messages"`
	}
	decodeJSON(t, rr, &msgs)
	if len(msgs.Messages) != 1 || msgs.Messages[0].ID != "m1" {
		t.Fatalf("messages=%+v", msgs.Messages)
	}

	if rr := do(t, h, http.MethodGet, "/v1/conversations/direct/nobody/messages", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation status=%d want=404", rr.Code)
	}
	// Same id, other kind: a different conversation.
	if rr := do(t, h, http.MethodGet, "/v1/conversations/group/client-1/messages", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("group with direct id status=%d want=404", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/conversations/channel/client-1/messages", "")
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_kind" {
		t.Fatalf("bad kind status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSnapshot_IncludesUser(t *testing.T) {
	t.Parallel()

	_, h := newTestAPI(t, &fakeUpstream{})
	rr := do(t, h, http.MethodGet, "/v1/snapshot", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var snap chatsync.Snapshot
	decodeJSON(t, rr, &snap)
	if snap.UserID != "coach" {
		t.Fatalf("user_id=%q", snap.UserID)
	}
}

func TestActive_OpenAndClose(t *testing.T) {
	t.Parallel()

	eng, h := newTestAPI(t, &fakeUpstream{})

	rr := do(t, h, http.MethodPut, "/v1/active", `{"conversation_id":"client-1","kind":"direct"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("open status=%d body=%s", rr.Code, rr.Body.String())
	}

	snap, err := eng.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Active == nil || snap.Active.ConversationID != "client-1" {
		t.Fatalf("active=%+v", snap.Active)
	}

	if rr := do(t, h, http.MethodDelete, "/v1/active", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("close status=%d", rr.Code)
	}
	snap, _ = eng.Snapshot(context.Background())
	if snap.Active != nil {
		t.Fatalf("active after close=%+v", snap.Active)
	}
}

func TestActive_RejectsBadInput(t *testing.T) {
	t.Parallel()

	_, h := newTestAPI(t, &fakeUpstream{})

	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "bad kind", body: `{"conversation_id":"c1","kind":"channel"}`, code: "invalid_kind"},
		{name: "empty id", body: `{"conversation_id":"  ","kind":"group"}`},
		{name: "bad json", body: `{"conversation_id":`, code: "bad_json"},
		{name: "unknown field", body: `{"conversation_id":"c1","kind":"group","x":1}`, code: "bad_json"},
	}

	for _, tc := range cases {
		rr := do(t, h, http.MethodPut, "/v1/active", tc.body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want=400", tc.name, rr.Code)
		}
		if got := errorCode(t, rr); tc.code != "" && got != tc.code {
			t.Fatalf("%s: code=%q want=%q", tc.name, got, tc.code)
		}
	}
}

func TestSendMessage_RoutesByKind(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	eng, h := newTestAPI(t, up)

	if rr := do(t, h, http.MethodPost, "/v1/messages", `{"kind":"direct","to":"client-1","content":"hi"}`); rr.Code != http.StatusAccepted {
		t.Fatalf("direct status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/messages", `{"kind":"group","to":"g1","content":"team"}`); rr.Code != http.StatusAccepted {
		t.Fatalf("group status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/messages", `{"kind":"broadcast","to":"x","content":"y"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad kind status=%d", rr.Code)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.direct) != 1 || up.direct[0] != "client-1:hi" {
		t.Fatalf("direct=%v", up.direct)
	}
	if len(up.group) != 1 || up.group[0] != "g1:team" {
		t.Fatalf("group=%v", up.group)
	}

	// Outbound messages appear only once upstream echoes them.
	snap, _ := eng.Snapshot(context.Background())
	if len(snap.Conversations) != 0 {
		t.Fatalf("conversations=%+v", snap.Conversations)
	}
}

func TestSendMessage_MapsUpstreamErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{err: transport.ErrInvalidRequest, want: http.StatusBadRequest},
		{err: transport.ErrNotConnected, want: http.StatusServiceUnavailable},
		{err: transport.ErrRequestTimeout, want: http.StatusGatewayTimeout},
		{err: transport.RequestError{Type: "message.send", Code: "forbidden", Message: "not your client"}, want: http.StatusBadGateway},
		{err: errors.New("boom"), want: http.StatusBadGateway},
	}

	for _, tc := range cases {
		_, h := newTestAPI(t, &fakeUpstream{err: tc.err})
		rr := do(t, h, http.MethodPost, "/v1/messages", `{"kind":"direct","to":"client-1","content":"hi"}`)
		if rr.Code != tc.want {
			t.Fatalf("err=%v status=%d want=%d", tc.err, rr.Code, tc.want)
		}
	}
}

func TestTyping_ReportsThrottle(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{typingOK: false}
	_, h := newTestAPI(t, up)

	rr := do(t, h, http.MethodPost, "/v1/typing", `{"conversation_id":"g1","kind":"group","is_typing":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body struct {
		Sent bool `json:"sent"`
	}
	decodeJSON(t, rr, &body)
	if body.Sent {
		t.Fatalf("sent=true want=false")
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.typing) != 1 || up.typing[0] != "group:g1" {
		t.Fatalf("typing=%v", up.typing)
	}
}

func TestMarkRead_ForwardsThenAppliesLocally(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	eng, h := newTestAPI(t, up)
	ctx := context.Background()

	msg := chatsync.Message{
		ID:          "m1",
		Kind:        chatsync.KindDirect,
		SenderID:    "client-1",
		RecipientID: "coach",
		Content:     "check-in",
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if _, err := eng.Apply(ctx, chatsync.DirectMessageEvent{Message: msg}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rr := do(t, h, http.MethodPut, "/v1/active", `{"conversation_id":"client-1","kind":"direct"}`); rr.Code != http.StatusOK {
		t.Fatalf("open status=%d", rr.Code)
	}

	rr := do(t, h, http.MethodPost, "/v1/read",`{"conversation_id":"client-1","message_ids":["m1"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	up.mu.Lock()
	reads := append([]string(nil), up.reads...)
	up.mu.Unlock()
	if len(reads) != 1 || reads[0] != "client-1:m1" {
		t.Fatalf("reads=%v", reads)
	}

	snap, _ := eng.Snapshot(ctx)
	if snap.UnreadTotal != 0 {
		t.Fatalf("unread_total=%d want=0", snap.UnreadTotal)
	}
}

func TestMarkRead_UpstreamFailureLeavesStateAlone(t *testing.T) {
	t.Parallel()

	eng, h := newTestAPI(t, &fakeUpstream{err: transport.ErrNotConnected})
	ctx := context.Background()

	msg := chatsync.Message{
		ID:          "m1",
		Kind:        chatsync.KindDirect,
		SenderID:    "client-1",
		RecipientID: "coach",
		Content:     "check-in",
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if _, err := eng.Apply(ctx, chatsync.DirectMessageEvent{Message: msg}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if rr := do(t, h, http.MethodPost, "/v1/read", `{"conversation_id":"client-1","message_ids":["m1"]}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=503", rr.Code)
	}
	snap, _ := eng.Snapshot(ctx)
	if snap.UnreadTotal != 1 {
		t.Fatalf("unread_total=%d want=1", snap.UnreadTotal)
	}
}

func TestEngineStopped_Returns503(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := chatsync.NewState(chatsync.StateConfig{UserID: "coach"})
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	eng := chatsync.NewEngine(log, st)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = eng.Run(ctx)

	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{}, httpDeps{engine: eng, upstream: &fakeUpstream{}})

	rr := do(t, mux, http.MethodGet, "/v1/snapshot", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=503", rr.Code)
	}
	if got := errorCode(t, rr); got != "engine_stopped" {
		t.Fatalf("code=%q", got)
	}
}
