// Package roster loads the signed-in coach's contacts and group list.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"coachsync/cmd/internal/chatsync"
)

// ErrNilSource is returned when a loader is used without a Source.
var ErrNilSource = errors.New("roster: nil source")

// Roster is the directory data the engine starts from.
type Roster struct {
	Contacts []chatsync.Contact
	Groups   []chatsync.Group
}

// Source returns the roster of one user.
type Source interface {
	Load(ctx context.Context, userID string) (Roster, error)
}

// Sink receives the loaded roster as an engine event.
type Sink interface {
	Submit(ctx context.Context, ev chatsync.Event) error
}

// Loader pushes a Source's roster into a Sink. It is run at startup and after
// every upstream reconnect.
type Loader struct {
	log    *slog.Logger
	src    Source
	sink   Sink
	userID string
}

// NewLoader wires src to sink for userID.
func NewLoader(log *slog.Logger, src Source, sink Sink, userID string) (*Loader, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	if sink == nil {
		return nil, errors.New("roster: nil sink")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{log: log, src: src, sink: sink, userID: userID}, nil
}

// Reload loads the roster and submits it.
func (l *Loader) Reload(ctx context.Context) error {
	r, err := l.src.Load(ctx, l.userID)
	if err != nil {
		return fmt.Errorf("roster: load: %w", err)
	}
	if err := l.sink.Submit(ctx, chatsync.RosterLoadedEvent{Contacts: r.Contacts, Groups: r.Groups}); err != nil {
		return fmt.Errorf("roster: submit: %w", err)
	}
	l.log.Info("roster.loaded", "user_id", l.userID, "contacts", len(r.Contacts), "groups", len(r.Groups))
	return nil
}
