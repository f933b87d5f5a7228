package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"investi/pkg/logx"
)

type dialect struct {
	name       string
	timeType   string
	jsonType   string
	boolType   string
	blobType   string
	bigint     string
	positional bool   // $1, $2 ... instead of ?
	forUpdate  string // row lock suffix for read-modify-write
	timeArg    func(time.Time) any
}

// Store is the transactional persistence API shared by both drivers.
type Store struct {
	db         *sql.DB
	d          dialect
	cmdTimeout time.Duration
	log        logx.Logger
}

func newStore(db *sql.DB, d dialect, cmdTimeout time.Duration, log logx.Logger) *Store {
	return &Store{db: db, d: d, cmdTimeout: cmdTimeout, log: log}
}

func (s *Store) Driver() string { return s.d.name }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cmdTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cmdTimeout)
}

// tx wraps *sql.Tx and rewrites placeholders for the active dialect.
type tx struct {
	*sql.Tx
	s *Store
}

func (t tx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.ExecContext(ctx, t.s.rebind(q), args...)
}

func (t tx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.QueryContext(ctx, t.s.rebind(q), args...)
}

func (t tx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.QueryRowContext(ctx, t.s.rebind(q), args...)
}

// withTx runs fn in a transaction: committed when fn returns nil, rolled back
// otherwise (including on panic).
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, t tx) error) (err error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, tx{Tx: sqlTx, s: s}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) rebind(q string) string {
	if !s.d.positional {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *Store) timeArg(t time.Time) any { return s.d.timeArg(t) }

func (s *Store) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.d.timeArg(*t)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// timeCol scans TIMESTAMPTZ (time.Time) and the sqlite TEXT encoding.
type timeCol struct {
	T     time.Time
	Valid bool
}

var sqliteReadLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func (c *timeCol) Scan(src any) error {
	c.T, c.Valid = time.Time{}, false
	switch v := src.(type) {
	case nil:
		return nil
	case time.Time:
		c.T, c.Valid = v.UTC(), true
		return nil
	case string:
		return c.parse(v)
	case []byte:
		return c.parse(string(v))
	}
	return fmt.Errorf("unsupported time column type %T", src)
}

func (c *timeCol) parse(s string) error {
	for _, layout := range sqliteReadLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			c.T, c.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

func (c timeCol) ptr() *time.Time {
	if !c.Valid {
		return nil
	}
	t := c.T
	return &t
}

// jsonCol scans JSONB and TEXT into raw bytes; NULL stays nil.
type jsonCol []byte

func (c *jsonCol) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = nil
	case string:
		*c = jsonCol(v)
	case []byte:
		*c = append(jsonCol(nil), v...)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	return nil
}
