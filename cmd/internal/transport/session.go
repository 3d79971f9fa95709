// Package transport maintains the websocket session to the upstream realtime
// gateway: it turns inbound envelopes into engine events and carries the
// user's outbound requests.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"coachsync/cmd/identity/ids"
	"coachsync/cmd/internal/chatsync"
	v1 "coachsync/contracts/chatsync/v1"

	"github.com/coder/websocket"
)

// Sink receives decoded events. *chatsync.Engine satisfies it.
type Sink interface {
	Submit(ctx context.Context, ev chatsync.Event) error
}

// Config describes how to reach upstream.
type Config struct {
	URL    string
	Origin string
	Token  string

	// Client is reported in the hello payload.
	Client string

	RequestTimeout    time.Duration
	WriteTimeout      time.Duration
	HelloTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	TypingThrottle    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Client == "" {
		c.Client = "coachsync"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = defaultHelloTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = defaultBackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = defaultBackoffMax
		if c.BackoffMax < c.BackoffMin {
			c.BackoffMax = c.BackoffMin
		}
	}
	if c.TypingThrottle <= 0 {
		c.TypingThrottle = defaultTypingThrottle
	}
	return c
}

// Validate checks the upstream URL and origin.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil {
		return fmt.Errorf("upstream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("upstream url: unsupported scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("upstream url: missing host")
	}
	if o := strings.TrimSpace(c.Origin); o != "" {
		ou, err := url.Parse(o)
		if err != nil {
			return fmt.Errorf("origin: %w", err)
		}
		if ou.Scheme != "http" && ou.Scheme != "https" {
			return fmt.Errorf("origin must be http/https, got: %s", ou.Scheme)
		}
	}
	return nil
}

// Session is a reconnecting upstream connection.
type Session struct {
	log     *slog.Logger
	cfg     Config
	sink    Sink
	metrics *Metrics
	now     func() time.Time

	onConnect func(ctx context.Context) error

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	pending   map[string]chan error

	throttleMu sync.Mutex
	throttles  map[string]*RateLimiter

	connected atomic.Bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionMetrics attaches Prometheus instruments.
func WithSessionMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithOnConnect registers a hook run after every successful handshake.
// Its error is logged; the session stays up.
func WithOnConnect(fn func(ctx context.Context) error) SessionOption {
	return func(s *Session) { s.onConnect = fn }
}

// WithSessionClock overrides time.Now (tests).
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSession validates cfg and builds an idle Session. Run connects it.
func NewSession(log *slog.Logger, cfg Config, sink Sink, opts ...SessionOption) (*Session, error) {
	if sink == nil {
		return nil, errors.New("transport: nil sink")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log:       log,
		cfg:       cfg.withDefaults(),
		sink:      sink,
		now:       func() time.Time { return time.Now().UTC() },
		pending:   make(map[string]chan error),
		throttles: make(map[string]*RateLimiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Connected reports whether the hello handshake has completed on the current connection.
func (s *Session) Connected() bool { return s.connected.Load() }

// SessionID returns the id upstream assigned to the current connection.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Run keeps a session open until ctx is done, redialing with exponential backoff.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.cfg.BackoffMin

	for {
		established, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, chatsync.ErrEngineStopped) {
			return err
		}
		if established {
			backoff = s.cfg.BackoffMin
		}

		s.log.Warn("transport.upstream.disconnected", "err", err, "retry_in", backoff.String())

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}
}

func (s *Session) runOnce(ctx context.Context) (bool, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		s.metrics.connect("dial_error")
		return false, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ack, err := s.handshake(ctx, conn)
	if err != nil {
		s.metrics.connect("hello_error")
		return false, err
	}

	s.attach(conn, ack.SessionID)
	defer s.detach()

	s.metrics.connect("ok")
	s.log.Info("transport.upstream.connected", "session_id", ack.SessionID, "user_id", ack.UserID)

	if s.onConnect != nil {
		go func() {
			if err := s.onConnect(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("transport.upstream.on_connect.fail", "err", err)
			}
		}()
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeat(ctx, conn, cancel)
	}()
	defer func() {
		cancel()
		<-heartbeatDone
	}()

	return true, s.readLoop(ctx, conn)
}

func (s *Session) dial(parent context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.HelloTimeout)
	defer cancel()

	h := http.Header{}
	if o := strings.TrimSpace(s.cfg.Origin); o != "" {
		h.Set("Origin", o)
	}
	if tok := strings.TrimSpace(s.cfg.Token); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.SubprotocolUpstream},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}

	if sp := conn.Subprotocol(); sp != v1.SubprotocolUpstream {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("dial upstream: subprotocol %q not negotiated (got %q)", v1.SubprotocolUpstream, sp)
	}

	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

func (s *Session) handshake(parent context.Context, conn *websocket.Conn) (v1.HelloAckPayload, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.HelloTimeout)
	defer cancel()

	now := s.now()
	hello, err := v1.NewEnvelope(v1.TypeHello, ids.MustULID(now), now, v1.HelloPayload{Client: s.cfg.Client})
	if err != nil {
		return v1.HelloAckPayload{}, err
	}
	if err := writeEnvelope(ctx, conn, hello, s.cfg.WriteTimeout); err != nil {
		return v1.HelloAckPayload{}, fmt.Errorf("write hello: %w", err)
	}

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return v1.HelloAckPayload{}, fmt.Errorf("await hello.ack: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := env.Decode(&ack); err != nil {
				return v1.HelloAckPayload{}, err
			}
			if strings.TrimSpace(ack.SessionID) == "" {
				return v1.HelloAckPayload{}, errors.New("hello.ack missing session_id")
			}
			return ack, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			return v1.HelloAckPayload{}, RequestError{Type: v1.TypeHello, Code: p.Code, Message: p.Message}
		default:
			// Not expected before the ack.
			s.log.Debug("transport.upstream.pre_hello", "type", env.Type)
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				s.log.Warn("transport.upstream.bad_json", "err", err)
				continue
			case readErrCtxDone:
				return ctx.Err()
			default:
				return err
			}
		}

		if err := env.Validate(); err != nil {
			s.log.Warn("transport.upstream.bad_envelope", "type", env.Type, "err", err)
			continue
		}
		s.metrics.envelope(env.Type)

		switch env.Type {
		case v1.TypeRequestAck:
			var p v1.RequestAckPayload
			if err := env.Decode(&p); err != nil {
				s.log.Warn("transport.upstream.bad_ack", "err", err)
				continue
			}
			s.resolve(p.RequestID, nil)
			continue

		case v1.TypeError:
			var p v1.ErrorPayload
			if err := env.Decode(&p); err != nil {
				s.log.Warn("transport.upstream.bad_error", "err", err)
				continue
			}
			if p.RequestID == "" || !s.resolve(p.RequestID, RequestError{Code: p.Code, Message: p.Message}) {
				s.log.Warn("transport.upstream.error", "request_id", p.RequestID, "code", p.Code, "message", p.Message)
			}
			continue
		}

		ev, ok, err := DecodeEvent(env)
		if err != nil {
			s.log.Warn("transport.upstream.decode.fail", "type", env.Type, "id", env.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.sink.Submit(ctx, ev); err != nil {
			return err
		}
	}
}

func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn, stop context.CancelFunc) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("transport.upstream.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					stop()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Session) attach(conn *websocket.Conn, sessionID string) {
	s.mu.Lock()
	s.conn = conn
	s.sessionID = sessionID
	s.mu.Unlock()
	s.connected.Store(true)
}

// detach drops the connection and fails every in-flight request.
func (s *Session) detach() {
	s.connected.Store(false)

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan error)
	s.conn = nil
	s.sessionID = ""
	s.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- ErrNotConnected:
		default:
		}
	}
}

func (s *Session) resolve(requestID string, err error) bool {
	if requestID == "" {
		return false
	}
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- err:
	default:
	}
	return true
}

// ---- outbound ----

// SendDirectMessage asks upstream to deliver content to recipientID.
// Nothing is appended locally; the message arrives back as an echo.
func (s *Session) SendDirectMessage(ctx context.Context, recipientID, content string) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return fmt.Errorf("%w: missing recipient_id", ErrInvalidRequest)
	}
	content, err := checkContent(content)
	if err != nil {
		return err
	}
	return s.request(ctx, v1.TypeMessageSend, v1.MessageSendPayload{RecipientID: recipientID, Content: content})
}

// SendGroupMessage asks upstream to post content to groupID.
func (s *Session) SendGroupMessage(ctx context.Context, groupID, content string) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return fmt.Errorf("%w: missing group_id", ErrInvalidRequest)
	}
	content, err := checkContent(content)
	if err != nil {
		return err
	}
	return s.request(ctx, v1.TypeGroupMessageSend, v1.GroupMessageSendPayload{GroupID: groupID, Content: content})
}

// SendTyping publishes the user's own typing state. Repeated "typing" signals
// for one conversation inside the throttle window are suppressed and report
// sent=false; "stopped typing" always goes out.
func (s *Session) SendTyping(ctx context.Context, conversationID string, kind chatsync.Kind, isTyping bool) (bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return false, fmt.Errorf("%w: missing conversation_id", ErrInvalidRequest)
	}
	if kind != chatsync.KindDirect && kind != chatsync.KindGroup {
		return false, fmt.Errorf("%w: invalid kind %q", ErrInvalidRequest, kind)
	}

	lim := s.throttle(string(kind) + ":" + conversationID)
	if isTyping {
		if !lim.Allow(s.now()) {
			s.metrics.request(v1.TypeTypingSend, "throttled")
			return false, nil
		}
	} else {
		lim.Reset()
	}

	err := s.request(ctx, v1.TypeTypingSend, v1.TypingSendPayload{
		ConversationID: conversationID,
		Kind:           string(kind),
		IsTyping:       isTyping,
	})
	if err != nil {
		// Nothing reached upstream; let the next keystroke retry.
		lim.Reset()
		return false, err
	}
	return true, nil
}

// MarkRead asks upstream to mark messageIDs read.
func (s *Session) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	clean := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return fmt.Errorf("%w: no message_ids", ErrInvalidRequest)
	}
	return s.request(ctx, v1.TypeMessageMarkRead, v1.MessageMarkReadPayload{
		ConversationID: strings.TrimSpace(conversationID),
		MessageIDs:     clean,
	})
}

func (s *Session) throttle(key string) *RateLimiter {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()

	lim, ok := s.throttles[key]
	if !ok {
		lim = NewRateLimiter(1, s.cfg.TypingThrottle)
		s.throttles[key] = lim
	}
	return lim
}

// request writes one envelope and waits for its ack.
func (s *Session) request(ctx context.Context, typ string, payload any) error {
	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return fmt.Errorf("request id: %w", err)
	}
	env, err := v1.NewEnvelope(typ, id, now, payload)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		s.metrics.request(typ, "not_connected")
		return ErrNotConnected
	}
	s.pending[id] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := writeEnvelope(ctx, conn, env, s.cfg.WriteTimeout); err != nil {
		s.metrics.request(typ, "write_error")
		return fmt.Errorf("write %s: %w", typ, err)
	}

	t := time.NewTimer(s.cfg.RequestTimeout)
	defer t.Stop()

	select {
	case err := <-reply:
		var re RequestError
		if errors.As(err, &re) {
			re.Type = typ
			s.metrics.request(typ, "rejected")
			return re
		}
		if err != nil {
			s.metrics.request(typ, "error")
			return err
		}
		s.metrics.request(typ, "ok")
		return nil
	case <-t.C:
		s.metrics.request(typ, "timeout")
		return ErrRequestTimeout
	case <-ctx.Done():
		s.metrics.request(typ, "canceled")
		return ctx.Err()
	}
}

func checkContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidRequest)
	}
	if len([]rune(content)) > maxMessageChars {
		return "", fmt.Errorf("%w: message too long: max=%d chars", ErrInvalidRequest, maxMessageChars)
	}
	return content, nil
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "invalid json: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj *badJSONError
	if errors.As(err, &bj) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
