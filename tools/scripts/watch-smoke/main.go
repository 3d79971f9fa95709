// Package main provides a CI-friendly smoke test for a running coachsync daemon.
//
// It validates:
//   - watch feed handshake + subprotocol selection
//   - initial state.changed on connect
//   - PUT /v1/active -> state.changed with a higher version
//   - GET /v1/conversations reports the same version
//   - DELETE /v1/active -> another state.changed
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "coachsync/contracts/chatsync/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 64 << 10

type watchClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8090", "coachsync HTTP base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "smoke-conversation", "Conversation ID to open")
		kind    = flag.String("kind", "direct", "Conversation kind (direct|group)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := watchURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	c := mustConnect(root, wsURL, *origin, *timeout)
	defer closeWS(c.conn)

	v0 := c.mustReadVersion(root, *timeout)
	if *verbose {
		fmt.Printf("connected: url=%s version=%d\n", wsURL, v0)
	}

	body := mustJSON(map[string]string{"conversation_id": *convID, "kind": *kind})
	mustDo(root, hc, http.MethodPut, *baseURL+"/v1/active", *origin, body, http.StatusOK)

	v1Ver := c.mustReadVersionAbove(root, v0, *timeout)

	var list struct {
		Version uint64 `json:"version"`
		Active  *struct {
			ConversationID string `json:"conversation_id"`
		} `json:"active"`
	}
	raw := mustDo(root, hc, http.MethodGet, *baseURL+"/v1/conversations", *origin, nil, http.StatusOK)
	if err := json.Unmarshal(raw, &list); err != nil {
		fatalf("decode /v1/conversations: %v", err)
	}
	if list.Active == nil || list.Active.ConversationID != *convID {
		fatalf("active mismatch: got=%+v want=%q", list.Active, *convID)
	}
	if list.Version < v1Ver {
		fatalf("conversations version behind watch feed: http=%d watch=%d", list.Version, v1Ver)
	}

	mustDo(root, hc, http.MethodDelete, *baseURL+"/v1/active", *origin, nil, http.StatusNoContent)
	v2 := c.mustReadVersionAbove(root, v1Ver, *timeout)

	fmt.Printf("OK: conv_id=%s versions=%d->%d->%d\n", *convID, v0, v1Ver, v2)
}

func watchURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *watchClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.SubprotocolWatch},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.SubprotocolWatch {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.SubprotocolWatch)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &watchClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *watchClient) startReadLoop() {
	go func() {
		defer close(c.inbox)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *watchClient) mustReadVersion(parent context.Context, stepTimeout time.Duration) uint64 {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q: %v", v1.TypeStateChanged, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q: %v", v1.TypeStateChanged, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q", v1.TypeStateChanged)
		}
		if env.Type != v1.TypeStateChanged {
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, v1.TypeStateChanged)
		}
		var p v1.StateChangedPayload
		if err := env.Decode(&p); err != nil {
			fatalf("decode state.changed: %v", err)
		}
		return p.Version
	}
	return 0
}

// Versions are coalesced, so intermediate ones may be skipped.
func (c *watchClient) mustReadVersionAbove(parent context.Context, floor uint64, stepTimeout time.Duration) uint64 {
	deadline := time.Now().Add(stepTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			fatalf("no state.changed above version %d", floor)
		}
		if v := c.mustReadVersion(parent, left); v > floor {
			return v
		}
	}
}

func mustDo(parent context.Context, hc *http.Client, method, target, origin string, body []byte, wantStatus int) []byte {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(parent, method, target, r)
	if err != nil {
		fatalf("build %s %s: %v", method, target, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(origin) != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, target, resp.StatusCode, wantStatus, strings.TrimSpace(string(out)))
	}
	return out
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
