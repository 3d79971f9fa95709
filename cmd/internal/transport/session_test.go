package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"coachsync/cmd/internal/chatsync"
	v1 "coachsync/contracts/chatsync/v1"

	"github.com/coder/websocket"
)

type recordingSink struct {
	ch chan chatsync.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan chatsync.Event, 64)}
}

func (r *recordingSink) Submit(ctx context.Context, ev chatsync.Event) error {
	select {
	case r.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeUpstream speaks just enough of the upstream protocol for Session tests.
type fakeUpstream struct {
	srv   *httptest.Server
	auth  chan string
	conns atomic.Int32

	// push is written after every hello.ack.
	push []v1.Envelope
	// reply answers client requests; nil means no answer.
	reply func(env v1.Envelope) *v1.Envelope
	// dropAfterAck closes each connection right after the ack and pushes.
	dropAfterAck bool
}

func startFakeUpstream(t *testing.T, up *fakeUpstream) *fakeUpstream {
	t.Helper()

	up.auth = make(chan string, 8)
	up.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{v1.SubprotocolUpstream},
		})
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

		up.conns.Add(1)
		select {
		case up.auth <- r.Header.Get("Authorization"):
		default:
		}

		ctx := r.Context()
		hello, err := readEnvelope(ctx, conn)
		if err != nil || hello.Type != v1.TypeHello {
			return
		}
		ack, _ := v1.NewEnvelope(v1.TypeHelloAck, "ack", time.Now().UTC(), v1.HelloAckPayload{SessionID: "up-sess", UserID: "coach-1"})
		if err := writeEnvelope(ctx, conn, ack, time.Second); err != nil {
			return
		}
		for _, env := range up.push {
			if err := writeEnvelope(ctx, conn, env, time.Second); err != nil {
				return
			}
		}
		if up.dropAfterAck {
			return
		}

		for {
			env, err := readEnvelope(ctx, conn)
			if err != nil {
				return
			}
			if up.reply == nil {
				continue
			}
			if out := up.reply(env); out != nil {
				if err := writeEnvelope(ctx, conn, *out, time.Second); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(up.srv.Close)
	return up
}

func (up *fakeUpstream) wsURL() string {
	return "ws" + strings.TrimPrefix(up.srv.URL, "http") + "/ws"
}

func ackAll(env v1.Envelope) *v1.Envelope {
	out, _ := v1.NewEnvelope(v1.TypeRequestAck, "ack-"+env.ID, time.Now().UTC(), v1.RequestAckPayload{RequestID: env.ID})
	return &out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSession(t *testing.T, cfg Config, sink Sink, opts ...SessionOption) *Session {
	t.Helper()

	s, err := NewSession(discardLogger(), cfg, sink, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return s
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !s.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("session never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSession_HandshakeAndInboundEvents(t *testing.T) {
	t.Parallel()

	msg, _ := v1.NewEnvelope(v1.TypeMessageNew, "e1", time.Now().UTC(), v1.MessageNewPayload{
		Message: v1.Message{ID: "m1", SenderID: "client-7", RecipientID: "coach-1", Content: "done with set 3"},
	})
	online, _ := v1.NewEnvelope(v1.TypeUserOnline, "e2", time.Now().UTC(), v1.PresencePayload{UserID: "client-7"})
	junk := v1.Envelope{V: v1.Version, Type: v1.TypeTyping, Payload: []byte(`{"is_typing":"nope"}`)}

	up := startFakeUpstream(t, &fakeUpstream{push: []v1.Envelope{junk, msg, online}})
	sink := newRecordingSink()
	s := startSession(t, Config{URL: up.wsURL(), Token: "tok-123"}, sink)

	select {
	case got := <-up.auth:
		if got != "Bearer tok-123" {
			t.Fatalf("authorization got=%q want=%q", got, "Bearer tok-123")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream never saw a connection")
	}

	waitConnected(t, s)
	if s.SessionID() != "up-sess" {
		t.Fatalf("session id got=%q want=%q", s.SessionID(), "up-sess")
	}

	want := []string{"message.new", "user.online"}
	for i, w := range want {
		select {
		case ev := <-sink.ch:
			if ev.EventType() != w {
				t.Fatalf("event %d got=%s want=%s", i, ev.EventType(), w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("event %d (%s) not received", i, w)
		}
	}
}

func TestSession_SendDirectMessage_Acked(t *testing.T) {
	t.Parallel()

	seen := make(chan v1.Envelope, 1)
	up := startFakeUpstream(t, &fakeUpstream{reply: func(env v1.Envelope) *v1.Envelope {
		seen <- env
		return ackAll(env)
	}})
	s := startSession(t, Config{URL: up.wsURL()}, newRecordingSink())
	waitConnected(t, s)

	if err := s.SendDirectMessage(context.Background(), "client-7", "  keep your back straight  "); err != nil {
		t.Fatalf("send: %v", err)
	}

	env := <-seen
	if env.Type != v1.TypeMessageSend || len(env.ID) != 26 {
		t.Fatalf("unexpected request envelope: %+v", env)
	}
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.RecipientID != "client-7" || p.Content != "keep your back straight" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestSession_Request_Rejected(t *testing.T) {
	t.Parallel()

	up := startFakeUpstream(t, &fakeUpstream{reply: func(env v1.Envelope) *v1.Envelope {
		out, _ := v1.NewEnvelope(v1.TypeError, "err-1", time.Now().UTC(), v1.ErrorPayload{
			RequestID: env.ID,
			Code:      "not_member",
			Message:   "not a member of group",
		})
		return &out
	}})
	s := startSession(t, Config{URL: up.wsURL()}, newRecordingSink())
	waitConnected(t, s)

	err := s.SendGroupMessage(context.Background(), "grp-1", "hello team")
	if !IsRejected(err) {
		t.Fatalf("got=%v want RequestError", err)
	}
	var re RequestError
	_ = errors.As(err, &re)
	if re.Type != v1.TypeGroupMessageSend || re.Code != "not_member" {
		t.Fatalf("unexpected request error: %+v", re)
	}
}

func TestSession_Request_Timeout(t *testing.T) {
	t.Parallel()

	up := startFakeUpstream(t, &fakeUpstream{})
	s := startSession(t, Config{URL: up.wsURL(), RequestTimeout: 100 * time.Millisecond}, newRecordingSink())
	waitConnected(t, s)

	err := s.MarkRead(context.Background(), "client-7", []string{"m1"})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("got=%v want=%v", err, ErrRequestTimeout)
	}
}

func TestSession_NotConnected(t *testing.T) {
	t.Parallel()

	s, err := NewSession(discardLogger(), Config{URL: "ws://127.0.0.1:1/ws"}, newRecordingSink())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.SendDirectMessage(context.Background(), "client-7", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got=%v want=%v", err, ErrNotConnected)
	}
}

func TestSession_InvalidRequests(t *testing.T) {
	t.Parallel()

	s, err := NewSession(discardLogger(), Config{URL: "ws://127.0.0.1:1/ws"}, newRecordingSink())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx := context.Background()

	if err := s.SendDirectMessage(ctx, "", "hi"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing recipient: got=%v", err)
	}
	if err := s.SendGroupMessage(ctx, "grp-1", "   "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty content: got=%v", err)
	}
	if err := s.SendDirectMessage(ctx, "client-7", strings.Repeat("a", maxMessageChars+1)); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("too long: got=%v", err)
	}
	if err := s.MarkRead(ctx, "client-7", []string{" ", ""}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("no ids: got=%v", err)
	}
	if _, err := s.SendTyping(ctx, "client-7", chatsync.Kind("channel"), true); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad kind: got=%v", err)
	}
}

func TestSession_TypingThrottle(t *testing.T) {
	t.Parallel()

	var sent atomic.Int32
	up := startFakeUpstream(t, &fakeUpstream{reply: func(env v1.Envelope) *v1.Envelope {
		if env.Type == v1.TypeTypingSend {
			sent.Add(1)
		}
		return ackAll(env)
	}})
	s := startSession(t, Config{URL: up.wsURL(), TypingThrottle: time.Minute}, newRecordingSink())
	waitConnected(t, s)

	ctx := context.Background()
	steps := []struct {
		typing bool
		want   bool
	}{
		{typing: true, want: true},
		{typing: true, want: false},
		{typing: false, want: true},
		{typing: true, want: true},
	}
	for i, st := range steps {
		ok, err := s.SendTyping(ctx, "client-7", chatsync.KindDirect, st.typing)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ok != st.want {
			t.Fatalf("step %d sent got=%v want=%v", i, ok, st.want)
		}
	}

	if got := sent.Load(); got != 3 {
		t.Fatalf("upstream typing requests got=%d want=3", got)
	}

	// Throttling is per conversation.
	ok, err := s.SendTyping(ctx, "grp-1", chatsync.KindGroup, true)
	if err != nil || !ok {
		t.Fatalf("group typing: ok=%v err=%v", ok, err)
	}
}

func TestSession_TypingFailureDoesNotThrottle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	up := startFakeUpstream(t, &fakeUpstream{reply: func(env v1.Envelope) *v1.Envelope {
		if env.Type == v1.TypeTypingSend && calls.Add(1) == 1 {
			out, _ := v1.NewEnvelope(v1.TypeError, "err-1", time.Now().UTC(), v1.ErrorPayload{
				RequestID: env.ID,
				Code:      "busy",
				Message:   "try again",
			})
			return &out
		}
		return ackAll(env)
	}})
	s := startSession(t, Config{URL: up.wsURL(), TypingThrottle: time.Minute}, newRecordingSink())
	waitConnected(t, s)

	ctx := context.Background()
	ok, err := s.SendTyping(ctx, "client-7", chatsync.KindDirect, true)
	if !IsRejected(err) || ok {
		t.Fatalf("first typing: ok=%v err=%v want rejection", ok, err)
	}

	// The rejected signal must not use up the window.
	ok, err = s.SendTyping(ctx, "client-7", chatsync.KindDirect, true)
	if err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v want sent", ok, err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream typing requests=%d want=2", got)
	}

	ok, err = s.SendTyping(ctx, "client-7", chatsync.KindDirect, true)
	if err != nil || ok {
		t.Fatalf("third typing: ok=%v err=%v want throttled", ok, err)
	}
}

func TestSession_ReconnectsAndRunsOnConnect(t *testing.T) {
	t.Parallel()

	up := startFakeUpstream(t, &fakeUpstream{dropAfterAck: true})

	var hooks atomic.Int32
	startSession(t, Config{
		URL:        up.wsURL(),
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
	}, newRecordingSink(), WithOnConnect(func(ctx context.Context) error {
		hooks.Add(1)
		return nil
	}))

	deadline := time.Now().Add(3 * time.Second)
	for up.conns.Load() < 3 || hooks.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("conns=%d hooks=%d", up.conns.Load(), hooks.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cfg Config
		ok  bool
	}{
		{Config{URL: "ws://localhost:8080/ws"}, true},
		{Config{URL: "wss://chat.example.com/ws", Origin: "https://app.example.com"}, true},
		{Config{URL: "http://localhost:8080/ws"}, false},
		{Config{URL: "ws:///ws"}, false},
		{Config{URL: "ws://localhost/ws", Origin: "ftp://x"}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%+v: got err=%v want ok=%v", tc.cfg, err, tc.ok)
		}
	}
}
