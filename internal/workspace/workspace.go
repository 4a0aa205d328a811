// Package workspace extracts a per-task working directory from raw message
// bytes: the original message, a markdown rendering of the body, and any
// attachments, plus the header metadata the pipeline threads through.
package workspace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/mailpilot/internal/pipeline"
)

// Workspace file layout. The responder and sender navigate by these names.
const (
	RawFileName         = "raw_email.eml"
	InboxFileName       = "inbox.md"
	InboxAttachmentsDir = "inbox_attachments"
	ReplyFileName       = "reply.md"
	ReplyAttachmentsDir = "reply_attachments"
)

// Preparer writes workspaces under a fixed root directory.
type Preparer struct {
	root string
	log  *slog.Logger
}

func NewPreparer(root string, log *slog.Logger) *Preparer {
	if log == nil {
		log = slog.Default()
	}
	return &Preparer{root: root, log: log}
}

// Prepare parses raw message bytes, lays out the workspace directory, and
// returns the metadata snapshot. A failure here leaves no task record behind,
// so it must not touch anything outside the workspace root.
func (p *Preparer) Prepare(_ context.Context, raw []byte) (*pipeline.Workspace, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	messageID := strings.TrimSpace(msg.Header.Get("Message-ID"))
	dir := filepath.Join(p.root, safeDirName(messageID, raw))
	if err := os.MkdirAll(filepath.Join(dir, InboxAttachmentsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, RawFileName), raw, 0o644); err != nil {
		return nil, fmt.Errorf("write raw message: %w", err)
	}

	body, attachments, err := extractContent(msg)
	if err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, InboxFileName), []byte(body), 0o644); err != nil {
		return nil, fmt.Errorf("write inbox: %w", err)
	}
	for _, att := range attachments {
		name := safeFileName(att.name)
		if err := os.WriteFile(filepath.Join(dir, InboxAttachmentsDir, name), att.data, 0o644); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", name, err)
		}
	}
	if len(attachments) > 0 {
		p.log.Debug("saved attachments", "workspace", dir, "count", len(attachments))
	}

	from := addressList(msg.Header.Get("From"))
	fromAddress := ""
	if len(from) > 0 {
		fromAddress = from[0]
	}

	return &pipeline.Workspace{
		Ref:         dir,
		FromAddress: fromAddress,
		ToAddresses: addressList(msg.Header.Get("To")),
		Subject:     decodeHeader(msg.Header.Get("Subject")),
		MessageID:   messageID,
		ReplyTo:     addressList(msg.Header.Get("Reply-To")),
		References:  strings.Join(strings.Fields(msg.Header.Get("References")), " "),
	}, nil
}

type attachment struct {
	name string
	data []byte
}

// extractContent walks the MIME structure, preferring a text/plain body and
// falling back to text/html, collecting attachment parts along the way.
func extractContent(msg *mail.Message) (string, []attachment, error) {
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		return body, nil, err
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Unparseable content type; take the body as-is.
		body, readErr := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		return body, nil, readErr
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		return body, nil, err
	}

	var plain, html string
	var attachments []attachment
	if err := walkMultipart(msg.Body, params["boundary"], &plain, &html, &attachments); err != nil {
		return "", nil, err
	}
	body := plain
	if body == "" {
		body = html
	}
	return body, attachments, nil
}

func walkMultipart(r io.Reader, boundary string, plain, html *string, attachments *[]attachment) error {
	if boundary == "" {
		return fmt.Errorf("multipart message without boundary")
	}
	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}

		partType, partParams, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			partType = "text/plain"
		}

		if strings.HasPrefix(partType, "multipart/") {
			if err := walkMultipart(part, partParams["boundary"], plain, html, attachments); err != nil {
				return err
			}
			continue
		}

		filename := part.FileName()
		disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if filename != "" || disposition == "attachment" {
			data, err := readPart(part, part.Header.Get("Content-Transfer-Encoding"))
			if err != nil {
				return fmt.Errorf("read attachment: %w", err)
			}
			if filename == "" {
				filename = "attachment"
			}
			*attachments = append(*attachments, attachment{name: filename, data: data})
			continue
		}

		switch partType {
		case "text/plain":
			if *plain == "" {
				body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
				if err != nil {
					return err
				}
				*plain = body
			}
		case "text/html":
			if *html == "" {
				body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
				if err != nil {
					return err
				}
				*html = body
			}
		}
	}
}

func readPart(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	return io.ReadAll(r)
}

func decodeBody(r io.Reader, encoding string) (string, error) {
	data, err := readPart(r, encoding)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func addressList(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(header)
	if err != nil {
		// Fall back to naive splitting for headers the parser rejects.
		var out []string
		for _, part := range strings.Split(header, ",") {
			if addr := strings.TrimSpace(part); addr != "" {
				out = append(out, addr)
			}
		}
		return out
	}
	out := make([]string, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, a.Address)
	}
	return out
}

func decodeHeader(value string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// safeDirName turns a message id into a filesystem-safe directory name,
// falling back to the content hash when no id is present.
func safeDirName(messageID string, raw []byte) string {
	id := strings.Trim(strings.TrimSpace(messageID), "<>")
	if id == "" {
		sum := sha256.Sum256(raw)
		return "email_" + hex.EncodeToString(sum[:8])
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

func safeFileName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || out == "." {
		out = "attachment"
	}
	return out
}
