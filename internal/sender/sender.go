// Package sender delivers generated replies through the Postmark send API,
// rendering the reply markdown into text and HTML bodies and attaching any
// files the responder produced.
package sender

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mailpilot/internal/pipeline"
)

const defaultSendURL = "https://api.postmarkapp.com/email"

// Config configures the Postmark sender.
type Config struct {
	// Token is the Postmark server token. Delivery fails without it.
	Token string
	// SendURL overrides the API endpoint, used by tests.
	SendURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Sender struct {
	token  string
	url    string
	client *http.Client
	log    *slog.Logger
}

func New(cfg Config) *Sender {
	s := &Sender{
		token:  cfg.Token,
		url:    cfg.SendURL,
		client: cfg.HTTPClient,
		log:    cfg.Logger,
	}
	if s.url == "" {
		s.url = defaultSendURL
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

type header struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type attachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

type payload struct {
	From        string       `json:"From"`
	To          string       `json:"To"`
	Subject     string       `json:"Subject"`
	TextBody    string       `json:"TextBody"`
	HTMLBody    string       `json:"HtmlBody"`
	Headers     []header     `json:"Headers"`
	Attachments []attachment `json:"Attachments,omitempty"`
}

// Deliver sends the reply and returns the Message-ID stamped on the outbound
// headers, which becomes the task's reply_id.
func (s *Sender) Deliver(ctx context.Context, msg pipeline.OutboundMessage) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("postmark server token not set")
	}
	markdown, err := os.ReadFile(msg.ReplyRef)
	if err != nil {
		return "", fmt.Errorf("read reply markdown: %w", err)
	}

	body, messageID, err := preparePayload(msg, string(markdown))
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("postmark request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("postmark error %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	s.log.Debug("reply sent", "message_id", messageID, "to", body.To)
	return messageID, nil
}

// preparePayload builds the Postmark request body. Split out from Deliver so
// payload shaping is testable without network access.
func preparePayload(msg pipeline.OutboundMessage, markdown string) (payload, string, error) {
	messageID := makeMessageID(msg.FromAddress)

	text := strings.TrimSpace(markdown)
	if text == "" {
		text = "(no content)"
	}

	headers := []header{{Name: "Message-ID", Value: messageID}}
	if msg.InReplyTo != "" {
		headers = append(headers, header{Name: "In-Reply-To", Value: msg.InReplyTo})
	}
	switch {
	case msg.References != "":
		headers = append(headers, header{Name: "References", Value: msg.References})
	case msg.InReplyTo != "":
		headers = append(headers, header{Name: "References", Value: msg.InReplyTo})
	}

	var recipients []string
	for _, addr := range msg.ToAddresses {
		if addr != "" {
			recipients = append(recipients, addr)
		}
	}

	p := payload{
		From:     msg.FromAddress,
		To:       strings.Join(recipients, ", "),
		Subject:  msg.Subject,
		TextBody: text,
		HTMLBody: markdownToHTML(markdown),
		Headers:  headers,
	}

	attachments, err := collectAttachments(msg.AttachmentsRef)
	if err != nil {
		return payload{}, "", err
	}
	p.Attachments = attachments
	return p, messageID, nil
}

func makeMessageID(fromAddress string) string {
	domain := "localhost"
	if i := strings.LastIndex(fromAddress, "@"); i >= 0 && i < len(fromAddress)-1 {
		domain = fromAddress[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func collectAttachments(dir string) ([]attachment, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read attachments dir: %w", err)
	}
	var out []attachment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", e.Name(), err)
		}
		contentType := mime.TypeByExtension(filepath.Ext(e.Name()))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		out = append(out, attachment{
			Name:        e.Name(),
			Content:     base64.StdEncoding.EncodeToString(data),
			ContentType: contentType,
		})
	}
	return out, nil
}

// markdownToHTML renders a minimal HTML body: escaped text split into
// paragraphs on blank lines, with single newlines as line breaks.
func markdownToHTML(markdown string) string {
	escaped := html.EscapeString(markdown)
	var blocks []string
	for _, block := range strings.Split(escaped, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		blocks = append(blocks, "<p>"+strings.ReplaceAll(strings.TrimSpace(block), "\n", "<br />")+"</p>")
	}
	return strings.Join(blocks, "\n")
}
