package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/mailpilot/internal/taskstore"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func openTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Store: openTestStore(t), Schedule: "not a cron expr"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNew_AcceptsFiveFieldSchedule(t *testing.T) {
	if _, err := New(Config{Store: openTestStore(t), Schedule: "*/5 * * * *"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
}

func TestSweep_LogsQueueStats(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.Create(ctx, taskstore.TaskRecord{
		TaskID:             "<msg-1@example.com>",
		ContentFingerprint: "fp-1",
		FromAddress:        "alice@example.com",
		MaxRetries:         2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out := &syncBuffer{}
	m, err := New(Config{
		Store:    store,
		Schedule: "* * * * *",
		Logger:   slog.New(slog.NewJSONHandler(out, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Sweep(ctx)

	logged := out.String()
	if !strings.Contains(logged, "queue stats") {
		t.Errorf("missing stats line in output:\n%s", logged)
	}
	if !strings.Contains(logged, `"pending":1`) {
		t.Errorf("pending count not logged:\n%s", logged)
	}
	if strings.Contains(logged, "task stuck in processing") {
		t.Errorf("no task should be stuck:\n%s", logged)
	}
}

func TestSweep_WarnsAboutStuckProcessing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.Create(ctx, taskstore.TaskRecord{
		TaskID:             "<msg-2@example.com>",
		ContentFingerprint: "fp-2",
		FromAddress:        "alice@example.com",
		MaxRetries:         2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, "<msg-2@example.com>"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	// updated_at has second resolution; let it fall behind the cutoff.
	time.Sleep(1100 * time.Millisecond)

	out := &syncBuffer{}
	m, err := New(Config{
		Store:      store,
		Schedule:   "* * * * *",
		StuckAfter: time.Nanosecond,
		Logger:     slog.New(slog.NewJSONHandler(out, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Sweep(ctx)

	logged := out.String()
	if !strings.Contains(logged, "task stuck in processing") {
		t.Errorf("stuck task not reported:\n%s", logged)
	}
	if !strings.Contains(logged, "<msg-2@example.com>") {
		t.Errorf("stuck task id missing:\n%s", logged)
	}
}

func TestStartStop(t *testing.T) {
	out := &syncBuffer{}
	m, err := New(Config{
		Store:    openTestStore(t),
		Schedule: "* * * * *",
		Interval: 10 * time.Millisecond,
		Logger:   slog.New(slog.NewJSONHandler(out, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if !strings.Contains(out.String(), "queue stats") {
		t.Errorf("startup sweep did not run:\n%s", out.String())
	}
}
