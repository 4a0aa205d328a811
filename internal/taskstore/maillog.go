package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type MailDirection string

const (
	MailInbound  MailDirection = "inbound"
	MailOutbound MailDirection = "outbound"
)

// MailLogEntry is one archived message header set, inbound or outbound.
type MailLogEntry struct {
	ID          int64         `json:"id"`
	Direction   MailDirection `json:"direction"`
	MessageID   string        `json:"message_id"`
	TaskID      string        `json:"task_id"`
	FromAddress string        `json:"from_address"`
	ToAddresses []string      `json:"to_addresses"`
	Subject     string        `json:"subject"`
	CreatedAt   time.Time     `json:"created_at"`
}

// LogMail appends one entry to the mail archive.
func (s *Store) LogMail(ctx context.Context, entry MailLogEntry) error {
	toJSON, err := json.Marshal(entry.ToAddresses)
	if err != nil {
		return fmt.Errorf("marshal to_addresses: %w", err)
	}
	err = s.retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO mail_log (direction, message_id, task_id, from_address, to_addresses, subject)
			VALUES (?, ?, ?, ?, ?, ?);
		`, entry.Direction, entry.MessageID, entry.TaskID, entry.FromAddress, string(toJSON), entry.Subject)
		return execErr
	})
	if err != nil {
		return opErr("log mail", err)
	}
	return nil
}

// ListMailLog returns archive entries for a task, oldest first.
func (s *Store) ListMailLog(ctx context.Context, taskID string) ([]MailLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, direction, message_id, task_id, from_address, to_addresses, subject, created_at
		FROM mail_log
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, opErr("list mail log", err)
	}
	defer rows.Close()

	var out []MailLogEntry
	for rows.Next() {
		var (
			entry  MailLogEntry
			toJSON string
		)
		if err := rows.Scan(&entry.ID, &entry.Direction, &entry.MessageID, &entry.TaskID,
			&entry.FromAddress, &toJSON, &entry.Subject, &entry.CreatedAt); err != nil {
			return nil, opErr("scan mail log entry", err)
		}
		if err := json.Unmarshal([]byte(toJSON), &entry.ToAddresses); err != nil {
			return nil, fmt.Errorf("unmarshal to_addresses: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("mail log rows", err)
	}
	return out, nil
}
