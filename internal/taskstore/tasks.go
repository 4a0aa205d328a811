package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/mailpilot/internal/bus"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TaskRecord is one logical inbound message. task_id never changes after
// creation; every mutation flows through the store's transition operations.
type TaskRecord struct {
	TaskID             string       `json:"task_id"`
	ContentFingerprint string       `json:"content_fingerprint"`
	FromAddress        string       `json:"from_address"`
	ToAddresses        []string     `json:"to_addresses"`
	Subject            string       `json:"subject"`
	References         string       `json:"references,omitempty"`
	Status             Status       `json:"status"`
	Attempts           int          `json:"attempts"`
	MaxRetries         int          `json:"max_retries"`
	WorkspaceRef       string       `json:"workspace_ref,omitempty"`
	ReplyID            string       `json:"reply_id,omitempty"`
	LastError          string       `json:"last_error,omitempty"`
	ErrorHistory       []ErrorEntry `json:"error_history,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
}

// ErrorEntry is one row of the append-only failure log.
type ErrorEntry struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateOutcome string

const (
	CreateOutcomeCreated       CreateOutcome = "CREATED"
	CreateOutcomeAlreadyExists CreateOutcome = "ALREADY_EXISTS"
)

// RejectReason explains why a conditional transition did not apply.
type RejectReason string

const (
	RejectNone              RejectReason = ""
	RejectNotFound          RejectReason = "not_found"
	RejectAlreadyProcessing RejectReason = "already_processing"
	RejectTerminal          RejectReason = "terminal"
)

// Transition is the outcome of a conditional state change. When Applied is
// false, Reason says why and Status carries the state observed at decision
// time (empty for RejectNotFound).
type Transition struct {
	Applied bool
	Reason  RejectReason
	Status  Status
}

type FailureOutcome string

const (
	FailureOutcomeRetried   FailureOutcome = "RETRIED"
	FailureOutcomeExhausted FailureOutcome = "EXHAUSTED"
	FailureOutcomeNotFound  FailureOutcome = "NOT_FOUND"
)

// FailureDecision reports how a recorded failure was resolved: requeued as
// pending while retry budget remains, or parked as terminal failed.
type FailureDecision struct {
	Outcome    FailureOutcome `json:"outcome"`
	Attempt    int            `json:"attempt"`
	MaxRetries int            `json:"max_retries"`
}

// Create inserts the record iff task_id is absent. A duplicate key is a
// normal outcome, not an error: it is the duplicate-delivery guard.
func (s *Store) Create(ctx context.Context, rec TaskRecord) (CreateOutcome, error) {
	toJSON, err := json.Marshal(rec.ToAddresses)
	if err != nil {
		return "", fmt.Errorf("marshal to_addresses: %w", err)
	}
	outcome := CreateOutcomeCreated
	err = s.retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				task_id, content_fingerprint, from_address, to_addresses, subject,
				message_references, status, attempts, max_retries, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, rec.TaskID, rec.ContentFingerprint, rec.FromAddress, string(toJSON), rec.Subject,
			rec.References, rec.MaxRetries)
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return CreateOutcomeAlreadyExists, nil
		}
		return "", opErr("create task", err)
	}
	return outcome, nil
}

// Get returns the record with its error history, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, content_fingerprint, from_address, to_addresses, subject,
			message_references, status, attempts, max_retries,
			COALESCE(workspace_ref, ''), COALESCE(reply_id, ''), COALESCE(last_error, ''),
			created_at, updated_at, completed_at
		FROM tasks
		WHERE task_id = ?;
	`, taskID)

	rec, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, opErr("get task", err)
	}

	history, err := s.errorHistory(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rec.ErrorHistory = history
	return rec, nil
}

// MarkProcessing atomically moves a pending task to processing and increments
// attempts. At most one concurrent caller observes Applied=true; everyone
// else learns why through Reason.
func (s *Store) MarkProcessing(ctx context.Context, taskID string) (Transition, error) {
	var tr Transition
	err := s.retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'processing', attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND status = 'pending';
		`, taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			tr = Transition{Applied: true, Status: StatusProcessing}
			return nil
		}
		var current Status
		err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			tr = Transition{Reason: RejectNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		switch current {
		case StatusProcessing:
			tr = Transition{Reason: RejectAlreadyProcessing, Status: current}
		default:
			tr = Transition{Reason: RejectTerminal, Status: current}
		}
		return nil
	})
	if err != nil {
		return Transition{}, opErr("mark processing", err)
	}
	if tr.Applied {
		s.publishStateChanged(ctx, taskID, StatusPending, StatusProcessing)
	}
	return tr, nil
}

// MarkCompleted sets the terminal completed state and records the sent reply.
// It is unconditional on prior status; a missing task is reported, not an error.
// completed_at is set once and never overwritten.
func (s *Store) MarkCompleted(ctx context.Context, taskID, replyID, workspaceRef string) (Transition, error) {
	var tr Transition
	var prior Status
	err := s.retryOnBusy(ctx, 5, func() error {
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&prior); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				tr = Transition{Reason: RejectNotFound}
				return nil
			}
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'completed',
			    reply_id = ?,
			    workspace_ref = ?,
			    last_error = NULL,
			    completed_at = COALESCE(completed_at, CURRENT_TIMESTAMP),
			    updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, replyID, workspaceRef, taskID)
		if err != nil {
			return err
		}
		tr = Transition{Applied: true, Status: StatusCompleted}
		return nil
	})
	if err != nil {
		return Transition{}, opErr("mark completed", err)
	}
	if tr.Applied {
		s.publishStateChanged(ctx, taskID, prior, StatusCompleted)
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: taskID, ReplyID: replyID})
		}
	}
	return tr, nil
}

// MarkFailed records a failed attempt and decides retry-vs-terminal: the task
// goes back to pending while attempts <= max_retries, otherwise it parks as
// failed. The decision lives here so it stays consistent under retried calls.
func (s *Store) MarkFailed(ctx context.Context, taskID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	err := s.retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark failed tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempts, maxRetries int
		if err := tx.QueryRowContext(ctx, `
			SELECT attempts, max_retries FROM tasks WHERE task_id = ?;
		`, taskID).Scan(&attempts, &maxRetries); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				decision = FailureDecision{Outcome: FailureOutcomeNotFound}
				return nil
			}
			return err
		}

		next := StatusFailed
		outcome := FailureOutcomeExhausted
		if attempts <= maxRetries {
			next = StatusPending
			outcome = FailureOutcomeRetried
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, next, errMsg, taskID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_errors (task_id, attempt, error) VALUES (?, ?, ?);
		`, taskID, attempts, errMsg); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		decision = FailureDecision{Outcome: outcome, Attempt: attempts, MaxRetries: maxRetries}
		return nil
	})
	if err != nil {
		return FailureDecision{}, opErr("mark failed", err)
	}
	if s.bus != nil {
		switch decision.Outcome {
		case FailureOutcomeRetried:
			s.bus.Publish(bus.TopicTaskRetrying, bus.TaskRetryingEvent{TaskID: taskID, Attempt: decision.Attempt, Error: errMsg})
		case FailureOutcomeExhausted:
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{TaskID: taskID, Error: errMsg})
		}
	}
	return decision, nil
}

// ResetForRetry returns a task to pending with a fresh attempt budget.
// Manual operator action only; the automatic pipeline never calls it.
func (s *Store) ResetForRetry(ctx context.Context, taskID string) (Transition, error) {
	var tr Transition
	var prior Status
	err := s.retryOnBusy(ctx, 5, func() error {
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&prior); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				tr = Transition{Reason: RejectNotFound}
				return nil
			}
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', attempts = 0, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, taskID)
		if err != nil {
			return err
		}
		tr = Transition{Applied: true, Status: StatusPending}
		return nil
	})
	if err != nil {
		return Transition{}, opErr("reset for retry", err)
	}
	if tr.Applied {
		s.publishStateChanged(ctx, taskID, prior, StatusPending)
	}
	return tr, nil
}

func (s *Store) publishStateChanged(ctx context.Context, taskID string, from, to Status) {
	if s.bus == nil {
		return
	}
	var attempts int
	_ = s.db.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE task_id = ?;`, taskID).Scan(&attempts)
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(to),
		Attempt:   attempts,
	})
}

func (s *Store) errorHistory(ctx context.Context, taskID string) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt, error, created_at
		FROM task_errors
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, opErr("list error history", err)
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		if err := rows.Scan(&e.Attempt, &e.Error, &e.CreatedAt); err != nil {
			return nil, opErr("scan error entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("error history rows", err)
	}
	return out, nil
}

func scanTask(scan func(dest ...any) error) (*TaskRecord, error) {
	var (
		rec         TaskRecord
		toJSON      string
		completedAt sql.NullTime
	)
	if err := scan(
		&rec.TaskID,
		&rec.ContentFingerprint,
		&rec.FromAddress,
		&toJSON,
		&rec.Subject,
		&rec.References,
		&rec.Status,
		&rec.Attempts,
		&rec.MaxRetries,
		&rec.WorkspaceRef,
		&rec.ReplyID,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(toJSON), &rec.ToAddresses); err != nil {
		return nil, fmt.Errorf("unmarshal to_addresses: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}
