package responder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/mailpilot/internal/workspace"
)

type fakeCompleter struct {
	reply  string
	err    error
	prompt string
	model  string
}

func (f *fakeCompleter) Complete(_ context.Context, model, prompt string) (string, error) {
	f.model = model
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newWorkspaceDir(t *testing.T, body string, attachments ...string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, workspace.InboxFileName), []byte(body), 0o644); err != nil {
		t.Fatalf("write inbox: %v", err)
	}
	if len(attachments) > 0 {
		attDir := filepath.Join(dir, workspace.InboxAttachmentsDir)
		if err := os.MkdirAll(attDir, 0o755); err != nil {
			t.Fatalf("mkdir attachments: %v", err)
		}
		for _, name := range attachments {
			if err := os.WriteFile(filepath.Join(attDir, name), []byte("x"), 0o644); err != nil {
				t.Fatalf("write attachment: %v", err)
			}
		}
	}
	return dir
}

func TestRespond_WritesReplyFile(t *testing.T) {
	fake := &fakeCompleter{reply: "Happy to help with that.\n"}
	r := &Responder{completer: fake, log: testLogger()}
	dir := newWorkspaceDir(t, "Can you help?", "notes.txt")

	reply, err := r.Respond(context.Background(), dir, "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	got, err := os.ReadFile(reply.Ref)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(got) != "Happy to help with that.\n" {
		t.Fatalf("unexpected reply content %q", got)
	}
	if fake.model != "claude-sonnet-4-20250514" {
		t.Fatalf("model not forwarded: %q", fake.model)
	}
	if !strings.Contains(fake.prompt, "Can you help?") {
		t.Fatalf("prompt missing body: %q", fake.prompt)
	}
	if !strings.Contains(fake.prompt, "notes.txt") {
		t.Fatalf("prompt missing attachment names: %q", fake.prompt)
	}
	if st, err := os.Stat(reply.AttachmentsRef); err != nil || !st.IsDir() {
		t.Fatalf("reply attachments dir missing: %v", err)
	}
}

func TestRespond_MissingInboxFails(t *testing.T) {
	r := &Responder{completer: &fakeCompleter{reply: "hi"}, log: testLogger()}
	if _, err := r.Respond(context.Background(), t.TempDir(), "claude-sonnet-4-20250514"); err == nil {
		t.Fatalf("expected error for missing inbox")
	}
}

func TestRespond_CompleterErrorPropagates(t *testing.T) {
	r := &Responder{completer: &fakeCompleter{err: errors.New("overloaded")}, log: testLogger()}
	dir := newWorkspaceDir(t, "Hello")
	if _, err := r.Respond(context.Background(), dir, "claude-sonnet-4-20250514"); err == nil {
		t.Fatalf("expected completer error")
	}
}

func TestRespond_EmptyReplyIsError(t *testing.T) {
	r := &Responder{completer: &fakeCompleter{reply: "   \n"}, log: testLogger()}
	dir := newWorkspaceDir(t, "Hello")
	if _, err := r.Respond(context.Background(), dir, "claude-sonnet-4-20250514"); err == nil {
		t.Fatalf("expected error for empty model reply")
	}
}

func TestRespond_NoModelConfigured(t *testing.T) {
	r := &Responder{completer: &fakeCompleter{reply: "hi"}, log: testLogger()}
	dir := newWorkspaceDir(t, "Hello")
	if _, err := r.Respond(context.Background(), dir, ""); err == nil {
		t.Fatalf("expected error for empty model")
	}
}

func TestRespond_UnknownModelRejectedLocally(t *testing.T) {
	fake := &fakeCompleter{reply: "hi"}
	r := &Responder{completer: fake, log: testLogger()}
	dir := newWorkspaceDir(t, "Hello")

	_, err := r.Respond(context.Background(), dir, "gpt-4o")
	if err == nil || !strings.Contains(err.Error(), "unsupported model") {
		t.Fatalf("expected unsupported model error, got %v", err)
	}
	if fake.model != "" {
		t.Fatalf("API called despite invalid model %q", fake.model)
	}
}

func TestValidateModel(t *testing.T) {
	cases := []struct {
		model string
		ok    bool
	}{
		{"claude-sonnet-4-20250514", true},
		{"claude-3-5-haiku-latest", true},
		{"", false},
		{"   ", false},
		{"codex", false},
		{"gpt-4o", false},
	}
	for _, tc := range cases {
		err := validateModel(tc.model)
		if tc.ok && err != nil {
			t.Errorf("validateModel(%q) = %v, want nil", tc.model, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("validateModel(%q) = nil, want error", tc.model)
		}
	}
}

func TestRespond_DisabledWritesCannedReply(t *testing.T) {
	r := New(Config{Disabled: true})
	dir := newWorkspaceDir(t, "Hello")

	reply, err := r.Respond(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("respond disabled: %v", err)
	}
	got, err := os.ReadFile(reply.Ref)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.Contains(string(got), "Automated replies are currently disabled") {
		t.Fatalf("unexpected canned reply %q", got)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
