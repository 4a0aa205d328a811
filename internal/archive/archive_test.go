package archive

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/mailpilot/internal/pipeline"
	"github.com/basket/mailpilot/internal/taskstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := New(store, testLogger())
	meta := pipeline.MailMetadata{
		MessageID:   "<msg-1@example.com>",
		TaskID:      "<msg-1@example.com>",
		FromAddress: "alice@example.com",
		ToAddresses: []string{"bot@example.com"},
		Subject:     "Question",
	}
	r.RecordInbound(ctx, meta)
	meta.MessageID = "<reply-1@example.com>"
	r.RecordOutbound(ctx, meta)

	entries, err := store.ListMailLog(ctx, "<msg-1@example.com>")
	if err != nil {
		t.Fatalf("list mail log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Direction != taskstore.MailInbound || entries[1].Direction != taskstore.MailOutbound {
		t.Errorf("directions = %s, %s", entries[0].Direction, entries[1].Direction)
	}
	if entries[1].MessageID != "<reply-1@example.com>" {
		t.Errorf("outbound message id = %q", entries[1].MessageID)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.Close()

	r := New(store, testLogger())
	// Must not panic or propagate after the store is closed.
	r.RecordInbound(context.Background(), pipeline.MailMetadata{TaskID: "t1"})
}
