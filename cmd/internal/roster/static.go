package roster

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"coachsync/cmd/internal/chatsync"

	"gopkg.in/yaml.v3"
)

// File is the YAML shape of a static roster.
//
//	contacts:
//	  - user_id: client-7
//	    name: Ana
//	groups:
//	  - id: grp-1
//	    name: Morning Runners
//	    member_count: 12
//	    updated_at: 2026-03-01T09:00:00Z
type File struct {
	Contacts []FileContact `yaml:"contacts"`
	Groups   []FileGroup   `yaml:"groups"`
}

type FileContact struct {
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
}

type FileGroup struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	MemberCount int       `yaml:"member_count"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// ParseFile decodes a static roster document.
func ParseFile(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("roster: parse yaml: %w", err)
	}
	return f, f.Validate()
}

// ReadFile reads and decodes a static roster from path.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("roster: read %s: %w", path, err)
	}
	return ParseFile(data)
}

// Validate rejects entries without ids and duplicate ids.
func (f File) Validate() error {
	seen := make(map[string]struct{}, len(f.Contacts))
	for i, c := range f.Contacts {
		id := strings.TrimSpace(c.UserID)
		if id == "" {
			return fmt.Errorf("roster: contacts[%d]: missing user_id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("roster: contacts[%d]: duplicate user_id %q", i, id)
		}
		seen[id] = struct{}{}
	}

	seen = make(map[string]struct{}, len(f.Groups))
	for i, g := range f.Groups {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			return fmt.Errorf("roster: groups[%d]: missing id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("roster: groups[%d]: duplicate id %q", i, id)
		}
		if g.MemberCount < 0 {
			return fmt.Errorf("roster: groups[%d]: negative member_count", i)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// StaticSource serves a fixed roster. It is the fallback when no database is configured.
type StaticSource struct {
	roster Roster
}

// NewStaticSource builds a source from a decoded File.
func NewStaticSource(f File) *StaticSource {
	r := Roster{
		Contacts: make([]chatsync.Contact, 0, len(f.Contacts)),
		Groups:   make([]chatsync.Group, 0, len(f.Groups)),
	}
	for _, c := range f.Contacts {
		r.Contacts = append(r.Contacts, chatsync.Contact{
			UserID: strings.TrimSpace(c.UserID),
			Name:   strings.TrimSpace(c.Name),
		})
	}
	for _, g := range f.Groups {
		r.Groups = append(r.Groups, chatsync.Group{
			ID:          strings.TrimSpace(g.ID),
			Name:        strings.TrimSpace(g.Name),
			MemberCount: g.MemberCount,
			UpdatedAt:   g.UpdatedAt.UTC(),
		})
	}
	return &StaticSource{roster: r}
}

// Load returns a copy of the fixed roster. The signed-in user is never listed as their own contact.
func (s *StaticSource) Load(ctx context.Context, userID string) (Roster, error) {
	if err := ctx.Err(); err != nil {
		return Roster{}, err
	}
	out := Roster{
		Contacts: make([]chatsync.Contact, 0, len(s.roster.Contacts)),
		Groups:   append([]chatsync.Group(nil), s.roster.Groups...),
	}
	for _, c := range s.roster.Contacts {
		if c.UserID == userID {
			continue
		}
		out.Contacts = append(out.Contacts, c)
	}
	return out, nil
}
