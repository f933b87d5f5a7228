package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"investi/pkg/logx"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so TEXT comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteDialect = dialect{
	name:     "sqlite",
	timeType: "TEXT",
	jsonType: "TEXT",
	boolType: "INTEGER",
	blobType: "BLOB",
	bigint:   "INTEGER",
	timeArg:  func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
}

func openSQLite(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")

	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; transactions serialize on this conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newStore(db, sqliteDialect, cfg.CommandTimeout, log), nil
}
