package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `telegram_user_id, telegram_username, created_at, alpaca_api_key, alpaca_secret_key, openrouter_api_key, operating_framework`

func scanUser(sc scanner) (User, error) {
	var (
		u                                   User
		created                             timeCol
		name, key, secret, orKey, framework sql.NullString
	)
	if err := sc.Scan(&u.ID, &name, &created, &key, &secret, &orKey, &framework); err != nil {
		return User{}, err
	}
	u.Username = name.String
	u.CreatedAt = created.T
	u.AlpacaKey = key.String
	u.AlpacaSecret = secret.String
	u.OpenRouterKey = orKey.String
	u.OperatingFramework = framework.String
	return u, nil
}

// CreateUser registers a user; ErrUserExists when already registered.
func (s *Store) CreateUser(ctx context.Context, id int64, username string, now time.Time) error {
	return s.withTx(ctx, func(ctx context.Context, t tx) error {
		var existing int64
		err := t.queryRow(ctx, `SELECT telegram_user_id FROM users WHERE telegram_user_id = ?`, id).Scan(&existing)
		if err == nil {
			return ErrUserExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = t.exec(ctx, `INSERT INTO users (telegram_user_id, telegram_username, created_at) VALUES (?,?,?)`,
			id, nullStr(username), s.timeArg(now))
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var out User
	err := s.withTx(ctx, func(ctx context.Context, t tx) error {
		u, err := scanUser(t.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_user_id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		out = u
		return err
	})
	return out, err
}

func (s *Store) SetAlpacaCredentials(ctx context.Context, id int64, key, secret string) error {
	return s.updateUser(ctx, id, `UPDATE users SET alpaca_api_key = ?, alpaca_secret_key = ? WHERE telegram_user_id = ?`, key, secret, id)
}

func (s *Store) SetOpenRouterKey(ctx context.Context, id int64, key string) error {
	return s.updateUser(ctx, id, `UPDATE users SET openrouter_api_key = ? WHERE telegram_user_id = ?`, key, id)
}

func (s *Store) SetOperatingFramework(ctx context.Context, id int64, framework string) error {
	return s.updateUser(ctx, id, `UPDATE users SET operating_framework = ? WHERE telegram_user_id = ?`, nullStr(framework), id)
}

func (s *Store) updateUser(ctx context.Context, id int64, q string, args ...any) error {
	return s.withTx(ctx, func(ctx context.Context, t tx) error {
		res, err := t.exec(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("update user %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY telegram_user_id`)
}

// ListUsersWithOpenRouterKey returns users whose credit balance can be checked.
func (s *Store) ListUsersWithOpenRouterKey(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, `SELECT `+userColumns+` FROM users
		WHERE openrouter_api_key IS NOT NULL AND openrouter_api_key <> '' ORDER BY telegram_user_id`)
}

func (s *Store) listUsers(ctx context.Context, q string) ([]User, error) {
	var out []User
	err := s.withTx(ctx, func(ctx context.Context, t tx) error {
		rows, err := t.query(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

// Counts summarizes the user's stored objects.
func (s *Store) Counts(ctx context.Context, id int64) (AccountCounts, error) {
	var c AccountCounts
	err := s.withTx(ctx, func(ctx context.Context, t tx) error {
		if err := t.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE telegram_user_id = ?`, id).Scan(&c.Tasks); err != nil {
			return err
		}
		if err := t.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE telegram_user_id = ? AND is_active = ?`, id, true).Scan(&c.ActiveTasks); err != nil {
			return err
		}
		if err := t.queryRow(ctx, `SELECT COUNT(*) FROM notes WHERE telegram_user_id = ?`, id).Scan(&c.Notes); err != nil {
			return err
		}
		return t.queryRow(ctx, `SELECT COUNT(*) FROM watchlists WHERE telegram_user_id = ?`, id).Scan(&c.Watchlists)
	})
	if err != nil {
		return AccountCounts{}, fmt.Errorf("count user %d: %w", id, err)
	}
	return c, nil
}

// DeleteUser removes the user and everything they own, children first, in
// one transaction.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(ctx context.Context, t tx) error {
		steps := []struct {
			what string
			q    string
		}{
			{"note embeddings", `DELETE FROM note_embeddings WHERE note_id IN (SELECT note_id FROM notes WHERE telegram_user_id = ?)`},
			{"tasks", `DELETE FROM tasks WHERE telegram_user_id = ?`},
			{"notes", `DELETE FROM notes WHERE telegram_user_id = ?`},
			{"watchlists", `DELETE FROM watchlists WHERE telegram_user_id = ?`},
		}
		for _, st := range steps {
			if _, err := t.exec(ctx, st.q, id); err != nil {
				return fmt.Errorf("delete %s: %w", st.what, err)
			}
		}
		res, err := t.exec(ctx, `DELETE FROM users WHERE telegram_user_id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil
	})
}
