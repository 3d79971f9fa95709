package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coachsync/cmd/internal/roster"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Shown in pg_stat_activity unless the DSN names another application.
const dbApplicationName = "coachsync"

// NewDBPool builds the roster pool and validates connectivity.
// It does not create the roster schema; ops owns migrations.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	// Tables are checked by /readyz, not here: a daemon started before the
	// migration still serves its static state and reports not-ready.
	if err := PingDB(ctx, pool, "", 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	params := pcfg.ConnConfig.RuntimeParams
	if strings.TrimSpace(params["application_name"]) == "" {
		params["application_name"] = dbApplicationName
	}
	return pcfg, nil
}

// PingDB acquires a connection within timeout. With a non-empty schema it
// also requires every roster table to exist there.
func PingDB(parent context.Context, pool *pgxpool.Pool, schema string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if schema == "" {
		return nil
	}
	missing, err := roster.MissingTables(ctx, conn, schema)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("db: schema %q is missing tables %s", schema, strings.Join(missing, ", "))
	}
	return nil
}
