package chatsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Engine owns a State on a single goroutine. Events and queries are queued
// and executed one at a time, each to completion, so State never needs locks.
//
// Readers get copies; nothing outside Run touches State directly.
type Engine struct {
	log     *slog.Logger
	state   *State
	metrics *Metrics

	now        func() time.Time
	sweepEvery time.Duration
	inbox      chan request

	done     chan struct{}
	doneOnce sync.Once

	subsMu sync.Mutex
	subs   map[chan uint64]struct{}
}

type request struct {
	ev    Event
	query func(*State)
	reply chan Outcome
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithSweepInterval sets how often expired typing entries are swept between events.
func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.sweepEvery = d
		}
	}
}

// WithInboxSize sets the event queue capacity.
func WithInboxSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.inbox = make(chan request, n)
		}
	}
}

// NewEngine wraps state. Run must be called for anything to be processed.
func NewEngine(log *slog.Logger, state *State, opts ...EngineOption) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:        log,
		state:      state,
		now:        func() time.Time { return time.Now().UTC() },
		sweepEvery: defaultSweepEvery,
		inbox:      make(chan request, defaultInboxSize),
		done:       make(chan struct{}),
		subs:       make(map[chan uint64]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// UserID returns the signed-in user's id.
func (e *Engine) UserID() string { return e.state.UserID() }

// Run processes queued work until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer e.doneOnce.Do(func() { close(e.done) })

	t := time.NewTicker(e.sweepEvery)
	defer t.Stop()

	e.log.Info("chatsync.engine.start", "user_id", e.state.UserID())

	for {
		select {
		case <-ctx.Done():
			e.log.Info("chatsync.engine.stop", "version", e.state.Version())
			return nil

		case <-t.C:
			if n := e.state.Sweep(e.now()); n > 0 {
				e.metrics.expired(n)
				e.log.Debug("chatsync.typing.expired", "count", n)
				e.publish(e.state.Version())
			}

		case req := <-e.inbox:
			if req.query != nil {
				req.query(e.state)
				if req.reply != nil {
					req.reply <- Outcome{}
				}
				continue
			}
			out := e.apply(req.ev)
			if req.reply != nil {
				req.reply <- out
			}
		}
	}
}

func (e *Engine) apply(ev Event) Outcome {
	out := e.state.Apply(ev, e.now())

	e.metrics.expired(out.Expired)
	e.metrics.observe(ev, out, e.state.UserID())
	e.metrics.gauges(e.state)
	e.logOutcome(ev, out)

	if out.Changed {
		e.publish(e.state.Version())
	}
	return out
}

func (e *Engine) logOutcome(ev Event, out Outcome) {
	if out.Err == nil {
		return
	}
	typ := "nil"
	if ev != nil {
		typ = ev.EventType()
	}
	switch Reason(out.Err) {
	case "duplicate":
		e.log.Debug("chatsync.event.duplicate", "type", typ, "err", out.Err)
	case "unknown_entity":
		e.log.Debug("chatsync.event.unknown_entity", "type", typ, "err", out.Err)
	default:
		e.log.Warn("chatsync.event.dropped", "type", typ, "reason", Reason(out.Err), "err", out.Err)
	}
}

// Submit queues ev without waiting for it to be applied.
func (e *Engine) Submit(ctx context.Context, ev Event) error {
	return e.enqueue(ctx, request{ev: ev})
}

// Apply queues ev and waits for its outcome.
func (e *Engine) Apply(ctx context.Context, ev Event) (Outcome, error) {
	reply := make(chan Outcome, 1)
	if err := e.enqueue(ctx, request{ev: ev, reply: reply}); err != nil {
		return Outcome{}, err
	}
	return e.await(ctx, reply)
}

// Read runs fn on the engine goroutine. fn must copy what it needs and must
// not retain the State.
func (e *Engine) Read(ctx context.Context, fn func(*State)) error {
	reply := make(chan Outcome, 1)
	if err := e.enqueue(ctx, request{query: fn, reply: reply}); err != nil {
		return err
	}
	_, err := e.await(ctx, reply)
	return err
}

// Snapshot returns a copy of the whole state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.Read(ctx, func(s *State) { snap = s.Snapshot() })
	return snap, err
}

// Version returns the current state version.
func (e *Engine) Version(ctx context.Context) (uint64, error) {
	var v uint64
	err := e.Read(ctx, func(s *State) { v = s.Version() })
	return v, err
}

// Conversation returns a copy of one directory entry.
func (e *Engine) Conversation(ctx context.Context, k Key) (Conversation, bool, error) {
	var (
		c     Conversation
		found bool
	)
	err := e.Read(ctx, func(s *State) { c, found = s.Conversation(k) })
	return c, found, err
}

// Messages returns a copy of one conversation's message sequence.
func (e *Engine) Messages(ctx context.Context, k Key) ([]Message, bool, error) {
	var (
		msgs  []Message
		found bool
	)
	err := e.Read(ctx, func(s *State) {
		_, inDir := s.Conversation(k)
		found = inDir || s.HasMessages(k)
		msgs = s.Messages(k)
	})
	return msgs, found, err
}

// Typing returns the live typing entries of one conversation.
func (e *Engine) Typing(ctx context.Context, k Key) ([]TypingEntry, error) {
	var out []TypingEntry
	err := e.Read(ctx, func(s *State) { out = s.TypingUsers(k) })
	return out, err
}

// Subscribe returns a channel that receives the state version after changes.
// Versions are coalesced: a slow reader sees only the latest one.
func (e *Engine) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, ch)
			e.subsMu.Unlock()
		})
	}
	return ch, cancel
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) publish(version uint64) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	for ch := range e.subs {
		select {
		case ch <- version:
			continue
		default:
		}
		// Replace the stale pending version.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- version:
		default:
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, req request) error {
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}

	select {
	case e.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

func (e *Engine) await(ctx context.Context, reply <-chan Outcome) (Outcome, error) {
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-e.done:
		return Outcome{}, ErrEngineStopped
	}
}
