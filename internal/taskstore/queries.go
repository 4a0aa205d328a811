package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `
	task_id, content_fingerprint, from_address, to_addresses, subject,
	message_references, status, attempts, max_retries,
	COALESCE(workspace_ref, ''), COALESCE(reply_id, ''), COALESCE(last_error, ''),
	created_at, updated_at, completed_at`

// Stats is an aggregate snapshot of the task table.
type Stats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]TaskRecord, error) {
	return s.listByStatus(ctx, StatusPending, limit)
}

func (s *Store) ListFailed(ctx context.Context, limit int) ([]TaskRecord, error) {
	return s.listByStatus(ctx, StatusFailed, limit)
}

func (s *Store) listByStatus(ctx context.Context, status Status, limit int) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, task_id ASC
		LIMIT ?;
	`, taskColumns), status, normalizeLimit(limit))
	if err != nil {
		return nil, opErr("list by status", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListBySender(ctx context.Context, sender string, limit int) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE from_address = ?
		ORDER BY created_at DESC, task_id ASC
		LIMIT ?;
	`, taskColumns), sender, normalizeLimit(limit))
	if err != nil {
		return nil, opErr("list by sender", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		ORDER BY created_at DESC, task_id ASC
		LIMIT ?;
	`, taskColumns), normalizeLimit(limit))
	if err != nil {
		return nil, opErr("list recent", err)
	}
	return collectTasks(rows)
}

// FindByFingerprint returns tasks whose raw content hashed to the same value,
// regardless of task identity. Exposed for duplicate-content investigation;
// the automatic pipeline gates only on task_id.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE content_fingerprint = ?
		ORDER BY created_at ASC, task_id ASC;
	`, taskColumns), fingerprint)
	if err != nil {
		return nil, opErr("find by fingerprint", err)
	}
	return collectTasks(rows)
}

// ListProcessingOlderThan returns tasks that have sat in processing longer
// than age. The store never reclaims these itself; a crashed worker leaves
// its task in processing until an operator resets it.
func (s *Store) ListProcessingOlderThan(ctx context.Context, age time.Duration) ([]TaskRecord, error) {
	cutoff := time.Now().UTC().Add(-age)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = 'processing' AND updated_at < ?
		ORDER BY updated_at ASC;
	`, taskColumns), cutoff)
	if err != nil {
		return nil, opErr("list stuck processing", err)
	}
	return collectTasks(rows)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'processing'), 0),
			COALESCE(SUM(status = 'completed'), 0),
			COALESCE(SUM(status = 'failed'), 0)
		FROM tasks;
	`).Scan(&st.Total, &st.Pending, &st.Processing, &st.Completed, &st.Failed)
	if err != nil {
		return Stats{}, opErr("stats", err)
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Total) * 100
	}
	return st, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func collectTasks(rows *sql.Rows) ([]TaskRecord, error) {
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows.Scan)
		if err != nil {
			return nil, opErr("scan task", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("task rows", err)
	}
	return out, nil
}
