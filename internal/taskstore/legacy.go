package taskstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ImportProcessedIDs migrates a legacy newline-delimited file of processed
// message identifiers into the store. Each identifier becomes a completed
// record so the dedupe guard keeps honoring history from before the store
// existed. Identifiers already present are skipped. Returns the number of
// records imported. A missing file is not an error. On success the file is
// renamed with a .migrated suffix so the import runs once.
func (s *Store) ImportProcessedIDs(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open processed ids file: %w", err)
	}

	imported := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		insertErr := s.retryOnBusy(ctx, 5, func() error {
			_, execErr := s.db.ExecContext(ctx, `
				INSERT INTO tasks (task_id, status, completed_at, created_at, updated_at)
				VALUES (?, 'completed', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, id)
			return execErr
		})
		if insertErr != nil {
			if isUniqueViolation(insertErr) {
				continue
			}
			f.Close()
			return imported, opErr("import processed id", insertErr)
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return imported, fmt.Errorf("read processed ids file: %w", err)
	}
	f.Close()
	if err := os.Rename(path, path+".migrated"); err != nil {
		return imported, fmt.Errorf("rename processed ids file: %w", err)
	}
	return imported, nil
}
