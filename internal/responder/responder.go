// Package responder generates the reply for a prepared workspace. It reads
// the extracted inbox markdown, asks Claude for a reply, and writes the
// result back into the workspace for the sender to pick up.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/basket/mailpilot/internal/pipeline"
	"github.com/basket/mailpilot/internal/workspace"
)

const maxReplyTokens = 8192

// disabledReply is written instead of calling the API when generation is
// switched off, keeping the rest of the pipeline exercisable end to end.
const disabledReply = "Thanks for your message. Automated replies are currently disabled; " +
	"a human will follow up if needed.\n"

// completer is the single text-in/text-out call the responder needs.
// Injectable so tests run without network access.
type completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

type anthropicCompleter struct {
	client anthropic.Client
}

func (a *anthropicCompleter) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxReplyTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages.new: %w", err)
	}
	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(variant.Text)
		}
	}
	return out.String(), nil
}

// Config configures the responder.
type Config struct {
	// APIKey for the Anthropic API. Falls back to ANTHROPIC_API_KEY.
	APIKey string
	// Disabled switches generation off; a canned reply is written instead.
	Disabled bool
	Logger   *slog.Logger
}

type Responder struct {
	completer completer
	disabled  bool
	log       *slog.Logger
}

func New(cfg Config) *Responder {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Responder{disabled: cfg.Disabled, log: log}
	if !cfg.Disabled {
		var opts []option.RequestOption
		if cfg.APIKey != "" {
			opts = append(opts, option.WithAPIKey(cfg.APIKey))
		}
		r.completer = &anthropicCompleter{client: anthropic.NewClient(opts...)}
	}
	return r
}

// Respond generates reply.md and reply_attachments/ in the workspace and
// returns handles to both.
func (r *Responder) Respond(ctx context.Context, workspaceRef, model string) (*pipeline.Reply, error) {
	inboxPath := filepath.Join(workspaceRef, workspace.InboxFileName)
	replyPath := filepath.Join(workspaceRef, workspace.ReplyFileName)
	replyAttachmentsDir := filepath.Join(workspaceRef, workspace.ReplyAttachmentsDir)

	if err := os.MkdirAll(replyAttachmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create reply attachments dir: %w", err)
	}

	inbox, err := os.ReadFile(inboxPath)
	if err != nil {
		return nil, fmt.Errorf("missing inbox markdown: %w", err)
	}

	var reply string
	if r.disabled {
		reply = disabledReply
	} else {
		if err := validateModel(model); err != nil {
			return nil, err
		}
		attachmentNames := listFileNames(filepath.Join(workspaceRef, workspace.InboxAttachmentsDir))
		prompt := buildPrompt(string(inbox), attachmentNames)
		reply, err = r.completer.Complete(ctx, model, prompt)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(reply) == "" {
			return nil, fmt.Errorf("model returned an empty reply")
		}
	}

	if err := os.WriteFile(replyPath, []byte(reply), 0o644); err != nil {
		return nil, fmt.Errorf("write reply: %w", err)
	}
	r.log.Debug("reply generated", "workspace", workspaceRef, "disabled", r.disabled, "bytes", len(reply))
	return &pipeline.Reply{Ref: replyPath, AttachmentsRef: replyAttachmentsDir}, nil
}

// validateModel rejects model names before any API call. Only the claude
// family is supported; this catches typos locally instead of burning an
// attempt on a remote 404.
func validateModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("no model configured")
	}
	if !strings.HasPrefix(model, "claude-") {
		return fmt.Errorf("unsupported model %q", model)
	}
	return nil
}

func buildPrompt(body string, attachmentNames []string) string {
	attachments := "(none)"
	if len(attachmentNames) > 0 {
		attachments = strings.Join(attachmentNames, ", ")
	}
	return "You are an email assistant.\n" +
		"Write a helpful reply to the incoming email below.\n" +
		"Respond with the reply text only, formatted as markdown, with no preamble.\n\n" +
		"Attachments: " + attachments + "\n\n" +
		"Body:\n" + strings.TrimSpace(body) + "\n"
}

func listFileNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}
