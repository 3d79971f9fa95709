package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"coachsync/cmd/identity/ids"
	v1 "coachsync/contracts/chatsync/v1"

	"github.com/coder/websocket"
)

const (
	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Watchers only receive; anything they send is discarded.
	maxFrameBytes = 4 << 10
)

// DefaultAllowedOrigins permits local UIs only.
var DefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Config tunes the gateway. Zero values take defaults.
type Config struct {
	// AllowedOrigins lists full origins or bare hosts. "*" allows any origin.
	AllowedOrigins []string
	OriginRequired bool

	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Gateway is the websocket entrypoint of the watch feed.
type Gateway struct {
	log *slog.Logger
	hub *Hub
	pub Publisher

	originRequired bool
	allowedOrigins []string
	originPatterns []string

	writeTimeout     time.Duration
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
}

// NewGateway constructs a gateway serving hub's clients.
func NewGateway(log *slog.Logger, hub *Hub, pub Publisher, cfg Config) (*Gateway, error) {
	if hub == nil {
		return nil, errors.New("watch: nil hub")
	}
	if pub == nil {
		return nil, errors.New("watch: nil publisher")
	}
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		log:              log,
		hub:              hub,
		pub:              pub,
		originRequired:   cfg.OriginRequired,
		allowedOrigins:   cfg.AllowedOrigins,
		writeTimeout:     cfg.WriteTimeout,
		heartbeatEvery:   cfg.HeartbeatInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
	}
	if g.allowedOrigins == nil {
		g.allowedOrigins = DefaultAllowedOrigins
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}
	if g.heartbeatEvery <= 0 {
		g.heartbeatEvery = defaultHeartbeatInterval
	}
	if g.heartbeatTimeout <= 0 {
		g.heartbeatTimeout = defaultHeartbeatTimeout
	}

	// websocket.Accept runs its own origin check; derive its patterns from
	// the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)
	return g, nil
}

// ServeHTTP upgrades the request and streams state.changed envelopes until the peer leaves.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("watch.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.SubprotocolWatch},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("watch.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.SubprotocolWatch {
		g.log.Info("watch.reject.subprotocol", "got", sp, "want", v1.SubprotocolWatch)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	// CloseRead keeps control frames flowing and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := NewClient(ids.MustULID(time.Now().UTC()))

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(client.ID)
			_ = conn.Close(code, reason)
			cancel()
		})
	}
	defer shutdown(websocket.StatusNormalClosure, "bye")

	g.hub.Join(client)

	// Initial version so a fresh UI knows what it is looking at. A newer
	// broadcast that raced the join already sits in the slot and wins.
	version, err := g.pub.Version(ctx)
	if err != nil {
		g.log.Warn("watch.version.fail", "client_id", client.ID, "err", err)
		shutdown(websocket.StatusInternalError, "engine unavailable")
		return
	}
	client.Offer(version)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

writeLoop:
	for {
		select {
		case <-ctx.Done():
			break writeLoop
		case <-client.Done():
			break writeLoop
		case <-client.Wake():
			v, ok := client.Take()
			if !ok {
				continue
			}
			env, err := stateChanged(v, time.Now().UTC())
			if err != nil {
				g.log.Error("watch.encode.fail", "client_id", client.ID, "err", err)
				continue
			}
			if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
				g.log.Info("watch.write.fail", "client_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				break writeLoop
			}
		}
	}
	shutdown(websocket.StatusNormalClosure, "bye")

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("watch.ping.fail", "client_id", client.ID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
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

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" || origin == a {
			return nil
		}
		// Host match ignores port and scheme.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	// Accept matches patterns against host[:port].
	out := make([]string, 0, 2*len(seen))
	for h := range seen {
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return out
}
