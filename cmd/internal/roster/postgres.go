package roster

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"coachsync/cmd/internal/chatsync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads the roster from:
//
//	<schema>.coach_contacts (coach_id, contact_id, name)
//	<schema>.chat_groups    (id, name, updated_at)
//	<schema>.group_members  (group_id, user_id)
type PostgresSource struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresSource behavior.
type PostgresOption func(*PostgresSource) error

// WithSchema sets the DB schema (default: "coachsync").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresSource) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("roster: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("roster: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresSource constructs a roster source backed by PostgreSQL.
func NewPostgresSource(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresSource, error) {
	src := &PostgresSource{
		pool:   pool,
		schema: "coachsync",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(src); err != nil {
			return nil, err
		}
	}
	if src.pool == nil {
		return nil, errors.New("roster: nil pool")
	}
	return src, nil
}

// Load reads the contacts and groups of userID.
func (s *PostgresSource) Load(ctx context.Context, userID string) (Roster, error) {
	if s == nil || s.pool == nil {
		return Roster{}, errors.New("roster: nil postgres source")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Roster{}, errors.New("roster: missing user id")
	}

	contacts, err := s.loadContacts(ctx, userID)
	if err != nil {
		return Roster{}, err
	}
	groups, err := s.loadGroups(ctx, userID)
	if err != nil {
		return Roster{}, err
	}
	return Roster{Contacts: contacts, Groups: groups}, nil
}

func (s *PostgresSource) loadContacts(ctx context.Context, userID string) ([]chatsync.Contact, error) {
	contacts := pgIdent(s.schema, "coach_contacts")

	rows, err := s.pool.Query(ctx,
		`SELECT contact_id, name
		   FROM `+contacts+`
		  WHERE coach_id = $1 AND contact_id <> $1
		  ORDER BY name, contact_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roster: query contacts: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chatsync.Contact, error) {
		var c chatsync.Contact
		err := row.Scan(&c.UserID, &c.Name)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("roster: scan contacts: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) loadGroups(ctx context.Context, userID string) ([]chatsync.Group, error) {
	groups := pgIdent(s.schema, "chat_groups")
	members := pgIdent(s.schema, "group_members")

	rows, err := s.pool.Query(ctx,
		`SELECT g.id, g.name, g.updated_at,
		        (SELECT count(*) FROM `+members+` c WHERE c.group_id = g.id)
		   FROM `+groups+` g
		   JOIN `+members+` m ON m.group_id = g.id AND m.user_id = $1
		  ORDER BY g.updated_at DESC, g.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roster: query groups: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chatsync.Group, error) {
		var (
			g     chatsync.Group
			count int64
		)
		if err := row.Scan(&g.ID, &g.Name, &g.UpdatedAt, &count); err != nil {
			return chatsync.Group{}, err
		}
		g.MemberCount = int(count)
		g.UpdatedAt = g.UpdatedAt.UTC()
		return g, nil
	})
	if err != nil {
		return nil, fmt.Errorf("roster: scan groups: %w", err)
	}
	return out, nil
}

// Tables lists the roster tables a PostgresSource reads, in dependency order.
var Tables = []string{"coach_contacts", "chat_groups", "group_members"}

// RowQuerier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MissingTables returns the roster tables that do not exist in schema.
func MissingTables(ctx context.Context, q RowQuerier, schema string) ([]string, error) {
	if !isValidPGIdent(schema) {
		return nil, errors.New("roster: invalid schema identifier")
	}

	var missing []string
	for _, table := range Tables {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, pgIdent(schema, table)).Scan(&exists); err != nil {
			return nil, fmt.Errorf("roster: check %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	return missing, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
