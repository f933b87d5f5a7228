package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"investi/pkg/logx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:       "postgres",
	timeType:   "TIMESTAMPTZ",
	jsonType:   "JSONB",
	boolType:   "BOOLEAN",
	blobType:   "BYTEA",
	bigint:     "BIGINT",
	positional: true,
	forUpdate:  " FOR UPDATE",
	timeArg:    func(t time.Time) any { return t.UTC() },
}

func openPostgres(cfg Config, log logx.Logger) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	minConns := cfg.MinConns
	if minConns <= 0 || minConns > maxConns {
		minConns = min(2, maxConns)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return newStore(db, postgresDialect, cfg.CommandTimeout, log), nil
}
