// Package main runs a scripted upstream chat gateway for local development.
//
// It speaks the coachsync.v1 protocol well enough to drive a daemon by hand:
//   - hello -> hello.ack naming -user
//   - user.online for every -clients entry after the ack
//   - every request is acknowledged with request.ack
//   - message.send / group.message.send are echoed back as message.new /
//     group.message.new
//   - with -reply, each direct send is answered by the recipient after a
//     short typing burst
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"coachsync/cmd/identity/ids"
	v1 "coachsync/contracts/chatsync/v1"

	"github.com/coder/websocket"
)

type upstream struct {
	log     *slog.Logger
	userID  string
	clients []string
	reply   bool
	delay   time.Duration
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:9000", "listen address")
		userID  = flag.String("user", "coach-1", "user id reported in hello.ack")
		clients = flag.String("clients", "client-1,client-2", "comma-separated contacts announced online")
		reply   = flag.Bool("reply", true, "answer direct messages as the recipient")
		delay   = flag.Duration("delay", 1500*time.Millisecond, "typing time before a scripted reply")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	u := &upstream{
		log:    log,
		userID: *userID,
		reply:  *reply,
		delay:  *delay,
	}
	for _, c := range strings.Split(*clients, ",") {
		if c = strings.TrimSpace(c); c != "" {
			u.clients = append(u.clients, c)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", u)

	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, c := context.WithTimeout(context.Background(), 3*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("fake_upstream.start", "addr", *addr, "user_id", u.userID, "clients", u.clients)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("fake_upstream.fail", "err", err)
		os.Exit(1)
	}
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.SubprotocolUpstream},
		InsecureSkipVerify: true,
	})
	if err != nil {
		u.log.Error("fake_upstream.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(1 << 20)

	p := &peer{conn: conn}
	ctx := r.Context()

	hello, err := p.read(ctx)
	if err != nil || hello.Type != v1.TypeHello {
		u.log.Info("fake_upstream.hello.missing", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}

	sessionID := ids.MustULID(time.Now().UTC())
	u.log.Info("fake_upstream.session.open",
		"session_id", sessionID,
		"auth", r.Header.Get("Authorization") != "",
	)

	if err := p.send(ctx, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sessionID, UserID: u.userID}); err != nil {
		return
	}
	for _, c := range u.clients {
		_ = p.send(ctx, v1.TypeUserOnline, v1.PresencePayload{UserID: c})
	}

	for {
		env, err := p.read(ctx)
		if err != nil {
			u.log.Info("fake_upstream.session.closed", "session_id", sessionID, "close_status", websocket.CloseStatus(err))
			return
		}
		u.handle(ctx, p, env)
	}
}

func (u *upstream) handle(ctx context.Context, p *peer, env v1.Envelope) {
	now := time.Now().UTC()

	switch env.Type {
	case v1.TypeMessageSend:
		var in v1.MessageSendPayload
		if err := env.Decode(&in); err != nil {
			_ = p.fail(ctx, env.ID, "bad_payload", err.Error())
			return
		}
		_ = p.ack(ctx, env.ID)
		msg := v1.Message{
			ID:          ids.MustULID(now),
			Kind:        "direct",
			SenderID:    u.userID,
			RecipientID: in.RecipientID,
			Content:     in.Content,
			CreatedAt:   now,
		}
		_ = p.send(ctx, v1.TypeMessageNew, v1.MessageNewPayload{Message: msg})
		if u.reply {
			go u.replyAs(ctx, p, in.RecipientID, in.Content)
		}

	case v1.TypeGroupMessageSend:
		var in v1.GroupMessageSendPayload
		if err := env.Decode(&in); err != nil {
			_ = p.fail(ctx, env.ID, "bad_payload", err.Error())
			return
		}
		_ = p.ack(ctx, env.ID)
		msg := v1.Message{
			ID:        ids.MustULID(now),
			Kind:      "group",
			SenderID:  u.userID,
			GroupID:   in.GroupID,
			Content:   in.Content,
			CreatedAt: now,
		}
		_ = p.send(ctx, v1.TypeGroupMessageNew, v1.GroupMessageNewPayload{GroupID: in.GroupID, Message: msg})

	case v1.TypeTypingSend, v1.TypeMessageMarkRead:
		_ = p.ack(ctx, env.ID)

	default:
		u.log.Info("fake_upstream.unhandled", "type", env.Type)
	}
}

// replyAs answers a direct message as its recipient.
func (u *upstream) replyAs(ctx context.Context, p *peer, from, text string) {
	_ = p.send(ctx, v1.TypeTyping, v1.TypingPayload{ConversationID: u.userID, UserID: from, IsTyping: true})

	select {
	case <-ctx.Done():
		return
	case <-time.After(u.delay):
	}

	_ = p.send(ctx, v1.TypeTyping, v1.TypingPayload{ConversationID: u.userID, UserID: from, IsTyping: false})

	now := time.Now().UTC()
	msg := v1.Message{
		ID:          ids.MustULID(now),
		Kind:        "direct",
		SenderID:    from,
		RecipientID: u.userID,
		Content:     "re: " + text,
		CreatedAt:   now,
	}
	_ = p.send(ctx, v1.TypeMessageNew, v1.MessageNewPayload{
		Message:       msg,
		SenderContext: &v1.SenderContext{UserID: from, Name: from},
	})
}

func (p *peer) read(ctx context.Context) (v1.Envelope, error) {
	_, data, err := p.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, env.Validate()
}

func (p *peer) send(ctx context.Context, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, ids.MustULID(time.Now().UTC()), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Write(wctx, websocket.MessageText, b)
}

func (p *peer) ack(ctx context.Context, requestID string) error {
	return p.send(ctx, v1.TypeRequestAck, v1.RequestAckPayload{RequestID: requestID})
}

func (p *peer) fail(ctx context.Context, requestID, code, msg string) error {
	return p.send(ctx, v1.TypeError, v1.ErrorPayload{RequestID: requestID, Code: code, Message: msg})
}
