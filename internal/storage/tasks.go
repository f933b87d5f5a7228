package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"investi/internal/task"
	"investi/pkg/logx"
)

const taskColumns = `t.task_id, t.telegram_user_id, t.created_at, t.ticker_symbol, t.role, t.description,
	t.task_datetime, t.is_active, t.trigger_type, t.trigger_config,
	t.related_note_ids, t.related_task_ids, t.related_watchlist_ids`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner, extra ...any) (task.Task, error) {
	var (
		t                      task.Task
		created, at            timeCol
		ticker                 sql.NullString
		role, typ              string
		config, notes, tks, wl jsonCol
	)
	dest := []any{&t.ID, &t.OwnerID, &created, &ticker, &role, &t.Description,
		&at, &t.Active, &typ, &config, &notes, &tks, &wl}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return task.Task{}, err
	}
	t.CreatedAt = created.T
	t.Ticker = ticker.String
	t.Role = task.Role(role)

	tr, err := task.DecodeTrigger(task.Stored{Type: task.TriggerType(typ), Datetime: at.ptr(), Config: config})
	if err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Trigger = tr
	t.RelatedNoteIDs = decodeIDs(notes)
	t.RelatedTaskIDs = decodeIDs(tks)
	t.RelatedWatchlistIDs = decodeIDs(wl)
	return t, nil
}

func decodeIDs(raw jsonCol) []string {
	if len(raw) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// FetchDueCandidates returns active tasks that may be due: every conditional
// task plus time-based tasks scheduled at or before now, each joined with its
// owner's credentials. Rows that fail to decode are logged and skipped.
func (s *Store) FetchDueCandidates(ctx context.Context, now time.Time) ([]task.Due, error) {
	var out []task.Due
	err := s.withTx(ctx, func(ctx context.Context, t tx) error {
		rows, err := t.query(ctx, `SELECT `+taskColumns+`,
			u.alpaca_api_key, u.alpaca_secret_key, u.openrouter_api_key, u.operating_framework
			FROM tasks t JOIN users u ON u.telegram_user_id = t.telegram_user_id
			WHERE t.is_active = ?
			  AND (t.trigger_type = ? OR (t.task_datetime IS NOT NULL AND t.task_datetime <= ?))
			ORDER BY t.created_at, t.task_id`,
			true, string(task.TypeConditional), s.timeArg(now))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var key, secret, orKey, framework sql.NullString
			tk, err := scanTask(rows, &key, &secret, &orKey, &framework)
			if err != nil {
				s.log.Warn("skipping undecodable task", logx.Err(err))
				continue
			}
			out = append(out, task.Due{
				Task:               tk,
				Credentials:        task.Credentials{AlpacaKey: key.String, AlpacaSecret: secret.String, OpenRouterKey: orKey.String},
				OperatingFramework: framework.String,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("fetch due candidates: %w", err)
	}
	return out, nil
}

// InsertTask persists a new task. Conditional tasks are rejected with a
// *DuplicateConditionalError when an equivalent active one exists.
func (s *Store) InsertTask(ctx context.Context, tk task.Task) error {
	st, err := task.EncodeTrigger(tk.Trigger)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return s.withTx(ctx, func(ctx context.Context, t tx) error {
		if c, ok := tk.Trigger.(task.Conditional); ok {
			if s.d.forUpdate != "" {
				// Serialize concurrent inserts for the same owner.
				var id int64
				if err := t.queryRow(ctx, `SELECT telegram_user_id FROM users WHERE telegram_user_id = ?`+s.d.forUpdate, tk.OwnerID).Scan(&id); err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						return fmt.Errorf("user %d: %w", tk.OwnerID, ErrNotFound)
					}
					return err
				}
			}
			existing, err := s.findDuplicate(ctx, t, tk.OwnerID, tk.Ticker, c.Condition)
			if err != nil {
				return err
			}
			if existing != "" {
				return &DuplicateConditionalError{ExistingID: existing}
			}
		}

		_, err := t.exec(ctx, `INSERT INTO tasks (
				task_id, telegram_user_id, created_at, ticker_symbol, role, description,
				task_datetime, is_active, trigger_type, trigger_config,
				related_note_ids, related_task_ids, related_watchlist_ids
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			tk.ID, tk.OwnerID, s.timeArg(tk.CreatedAt), nullStr(tk.Ticker), string(tk.Role), tk.Description,
			s.nullTimeArg(st.Datetime), tk.Active, string(st.Type), nullJSON(st.Config),
			encodeIDs(tk.RelatedNoteIDs), encodeIDs(tk.RelatedTaskIDs), encodeIDs(tk.RelatedWatchlistIDs),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// findDuplicate compares decoded conditions so the match does not depend on
// JSON operators that differ between drivers. Tickers match regardless of
// case; a missing ticker matches a missing ticker.
func (s *Store) findDuplicate(ctx context.Context, t tx, owner int64, ticker string, c task.Condition) (string, error) {
	rows, err := t.query(ctx, `SELECT task_id, ticker_symbol, trigger_config FROM tasks
		WHERE telegram_user_id = ? AND trigger_type = ? AND is_active = ?
		ORDER BY created_at`,
		owner, string(task.TypeConditional), true)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			tkr sql.NullString
			cfg jsonCol
		)
		if err := rows.Scan(&id, &tkr, &cfg); err != nil {
			return "", err
		}
		if !strings.EqualFold(tkr.String, ticker) {
			continue
		}
		tr, err := task.DecodeTrigger(task.Stored{Type: task.TypeConditional, Config: cfg})
		if err != nil {
			continue
		}
		if tr.(task.Conditional).Condition == c {
			return id, nil
		}
	}
	return "", rows.Err()
}

func (s *Store) GetTask(ctx context.Context, owner int64, id string) (task.Task, error) {
	var out task.Task
	err := s.withTx(ctx, func(ctx context.Context, t tx) error {
		row := t.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.task_id = ? AND t.telegram_user_id = ?`, id, owner)
		tk, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		out = tk
		return err
	})
	return out, err
}

// ListTasks returns the owner's tasks matching f, oldest first.
func (s *Store) ListTasks(ctx context.Context, owner int64, f TaskFilter) ([]task.Task, error) {
	var q strings.Builder
	q.WriteString(`SELECT ` + taskColumns + ` FROM tasks t WHERE t.telegram_user_id = ?`)
	args := []any{owner}

	if len(f.IDs) > 0 {
		q.WriteString(` AND t.task_id IN (` + placeholders(len(f.IDs)) + `)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.Ticker != "" {
		q.WriteString(` AND LOWER(t.ticker_symbol) = LOWER(?)`)
		args = append(args, f.Ticker)
	}
	if f.Type != "" {
		q.WriteString(` AND t.trigger_type = ?`)
		args = append(args, string(f.Type))
	}
	if f.Active != nil {
		q.WriteString(` AND t.is_active = ?`)
		args = append(args, *f.Active)
	}
	q.WriteString(` ORDER BY t.created_at`)

	var out []task.Task
	err := s.withTx(ctx, func(ctx context.Context, t tx) error {
		rows, err := t.query(ctx, q.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			tk, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, tk)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteTask(ctx context.Context, owner int64, id string) error {
	return s.withTx(ctx, func(ctx context.Context, t tx) error {
		res, err := t.exec(ctx, `DELETE FROM tasks WHERE task_id = ? AND telegram_user_id = ?`, id, owner)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// MarkCompleted runs the completion protocol against the stored row and
// persists the result in one transaction. It returns the row as it was
// before completion, read under the row lock.
//
// It fails with ErrNotFound when the task was deleted, ErrInactive when it
// already completed, and ErrNotDue when a recurring task's stored occurrence
// differs from the candidate's (a concurrent run advanced it).
func (s *Store) MarkCompleted(ctx context.Context, tk task.Task) (task.Task, error) {
	var prev task.Task
	err := s.withTx(ctx, func(ctx context.Context, t tx) error {
		row := t.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.task_id = ?`+s.d.forUpdate, tk.ID)
		cur, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", tk.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !cur.Active {
			return fmt.Errorf("task %s: %w", tk.ID, ErrInactive)
		}
		if !sameOccurrence(cur, tk) {
			return fmt.Errorf("task %s: %w", tk.ID, ErrNotDue)
		}
		next, err := task.Complete(cur)
		if err != nil {
			return fmt.Errorf("complete task %s: %w", tk.ID, err)
		}
		if err := s.update(ctx, t, cur, next); err != nil {
			return err
		}
		prev = cur
		return nil
	})
	return prev, err
}

// sameOccurrence reports whether the stored row still describes the
// occurrence the candidate was selected for. Only recurring tasks stay
// active across runs, so only their schedule needs comparing.
func sameOccurrence(stored, candidate task.Task) bool {
	sr, ok := stored.Trigger.(task.Recurring)
	if !ok {
		return true
	}
	cr, ok := candidate.Trigger.(task.Recurring)
	return ok && sr.Next.Equal(cr.Next)
}

// Rollback restores the state captured before execution. Recurring tasks get
// their active flag, datetime and config back; other tasks only the flag.
func (s *Store) Rollback(ctx context.Context, id string, snap task.Snapshot) error {
	up := TaskUpdate{Active: &snap.Active}
	if snap.RestoresTrigger() {
		up.Trigger = snap.Trigger
	}
	return s.UpdateTask(ctx, id, up)
}

// UpdateTask applies a partial update in one transaction.
func (s *Store) UpdateTask(ctx context.Context, id string, up TaskUpdate) error {
	return s.withTx(ctx, func(ctx context.Context, t tx) error {
		row := t.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.task_id = ?`+s.d.forUpdate, id)
		cur, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		next := cur
		if up.Active != nil {
			next.Active = *up.Active
		}
		if up.Description != nil {
			next.Description = *up.Description
		}
		if up.Trigger != nil {
			if up.Trigger.Type() != cur.Type() {
				return fmt.Errorf("task %s: cannot change trigger type %s to %s", id, cur.Type(), up.Trigger.Type())
			}
			next.Trigger = up.Trigger
		}
		return s.update(ctx, t, cur, next)
	})
}

func (s *Store) update(ctx context.Context, t tx, cur, next task.Task) error {
	st, err := task.EncodeTrigger(next.Trigger)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `UPDATE tasks SET is_active = ?, task_datetime = ?, trigger_config = ?, description = ?
		WHERE task_id = ?`,
		next.Active, s.nullTimeArg(st.Datetime), nullJSON(st.Config), next.Description, cur.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", cur.ID, err)
	}
	return nil
}
