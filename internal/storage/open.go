package storage

import (
	"context"
	"errors"
	"strings"

	"investi/pkg/logx"
)

// Open initializes the configured store and ensures its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  *Store
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", st.d.name))
	return st, nil
}
