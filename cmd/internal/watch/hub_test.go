package watch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "coachsync/contracts/chatsync/v1"
)

type fakePublisher struct {
	ch      chan uint64
	version uint64
}

func newFakePublisher(version uint64) *fakePublisher {
	return &fakePublisher{ch: make(chan uint64, 1), version: version}
}

func (p *fakePublisher) Subscribe() (<-chan uint64, func()) { return p.ch, func() {} }

func (p *fakePublisher) Version(context.Context) (uint64, error) { return p.version, nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_BroadcastCoalescesToLatest(t *testing.T) {
	t.Parallel()

	h := NewHub(quietLogger())
	slow := NewClient("slow")
	fast := NewClient("fast")
	h.Join(slow)
	h.Join(fast)

	h.Broadcast(1)
	if v, ok := fast.Take(); !ok || v != 1 {
		t.Fatalf("fast took=%d ok=%v want=1", v, ok)
	}
	h.Broadcast(2)
	h.Broadcast(3)

	// The slow client never drained: it sees only the newest version.
	if v, ok := slow.Take(); !ok || v != 3 {
		t.Fatalf("slow took=%d ok=%v want=3", v, ok)
	}
	if _, ok := slow.Take(); ok {
		t.Fatalf("slot not emptied by take")
	}
	if v, ok := fast.Take(); !ok || v != 3 {
		t.Fatalf("fast took=%d ok=%v want=3", v, ok)
	}
}

func TestClient_IgnoresStaleVersions(t *testing.T) {
	t.Parallel()

	c := NewClient("c1")
	if !c.Offer(5) {
		t.Fatalf("first offer rejected")
	}
	if c.Offer(4) || c.Offer(5) {
		t.Fatalf("older or equal offer replaced pending version")
	}
	if v, _ := c.Take(); v != 5 {
		t.Fatalf("took=%d want=5", v)
	}
	if c.Offer(5) {
		t.Fatalf("already delivered version offered again")
	}
	if !c.Offer(6) {
		t.Fatalf("newer offer rejected")
	}

	select {
	case <-c.Wake():
	default:
		t.Fatalf("offer did not signal wake")
	}

	// A fresh engine reports version zero; it still has to reach the watcher.
	fresh := NewClient("c2")
	if !fresh.Offer(0) {
		t.Fatalf("initial zero version rejected")
	}
	if v, ok := fresh.Take(); !ok || v != 0 {
		t.Fatalf("took=%d ok=%v want=0", v, ok)
	}
	if fresh.Offer(0) {
		t.Fatalf("zero offered twice")
	}
}

func TestHub_LeaveClosesClient(t *testing.T) {
	t.Parallel()

	h := NewHub(quietLogger())
	c := NewClient("c1")
	h.Join(c)
	h.Leave("c1")
	h.Leave("c1")

	select {
	case <-c.Done():
	default:
		t.Fatalf("client not closed on leave")
	}
	if h.Len() != 0 {
		t.Fatalf("hub len got=%d want=0", h.Len())
	}

	h.Broadcast(9)
	if _, ok := c.Take(); ok {
		t.Fatalf("left client still received broadcast")
	}
}

func TestHub_RunForwardsVersions(t *testing.T) {
	t.Parallel()

	h := NewHub(quietLogger())
	c := NewClient("c1")
	h.Join(c)

	pub := newFakePublisher(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, pub) }()

	pub.ch <- 42

	select {
	case <-c.Wake():
		if v, ok := c.Take(); !ok || v != 42 {
			t.Fatalf("took=%d ok=%v want=42", v, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no broadcast")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestStateChanged_Envelope(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env, err := stateChanged(42, now)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var p v1.StateChangedPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != v1.TypeStateChanged || p.Version != 42 || env.ID == "" || !env.TS.Equal(now) {
		t.Fatalf("unexpected envelope: %+v payload=%+v", env, p)
	}
}

func TestClient_NilIsClosed(t *testing.T) {
	t.Parallel()

	var c *Client
	c.Close()
	if c.Offer(1) {
		t.Fatalf("nil client accepted an offer")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("nil client Done should be closed")
	}
}
