package webhook

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"
)

// inboundSchema validates the Postmark inbound webhook payload before any
// conversion happens. Unknown fields are allowed; Postmark adds new ones.
const inboundSchema = `{
	"type": "object",
	"required": ["From", "To"],
	"properties": {
		"From": {"type": "string", "minLength": 1},
		"To": {"type": "string", "minLength": 1},
		"Subject": {"type": "string"},
		"MessageID": {"type": "string"},
		"TextBody": {"type": "string"},
		"HtmlBody": {"type": "string"},
		"ReplyTo": {"type": "string"},
		"Headers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["Name", "Value"],
				"properties": {
					"Name": {"type": "string"},
					"Value": {"type": "string"}
				}
			}
		},
		"Attachments": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["Name", "Content"],
				"properties": {
					"Name": {"type": "string", "minLength": 1},
					"Content": {"type": "string"},
					"ContentType": {"type": "string"}
				}
			}
		}
	}
}`

type inboundHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type inboundAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

// inboundMessage is the subset of Postmark's inbound payload the pipeline
// consumes.
type inboundMessage struct {
	From        string              `json:"From"`
	To          string              `json:"To"`
	ReplyTo     string              `json:"ReplyTo"`
	Subject     string              `json:"Subject"`
	MessageID   string              `json:"MessageID"`
	TextBody    string              `json:"TextBody"`
	HTMLBody    string              `json:"HtmlBody"`
	Headers     []inboundHeader     `json:"Headers"`
	Attachments []inboundAttachment `json:"Attachments"`
}

func (m inboundMessage) header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// messageID returns the RFC 5322 Message-ID for the message. The Headers
// array carries the original value; Postmark's top-level MessageID is its
// own identifier and is only used as a fallback.
func (m inboundMessage) messageID() string {
	if v := m.header("Message-ID"); v != "" {
		return v
	}
	if m.MessageID != "" {
		return "<" + strings.Trim(m.MessageID, "<>") + "@mailer.postmarkapp.com>"
	}
	return ""
}

func sanitizeHeaderValue(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.TrimSpace(v)
}

// toRFC5322 rebuilds the webhook payload as a plain RFC 5322 message so the
// rest of the pipeline sees the same bytes regardless of ingress path.
func toRFC5322(m inboundMessage) ([]byte, error) {
	var buf bytes.Buffer

	// Payload values are untrusted; strip CR and LF so a crafted Subject or
	// From cannot inject extra headers into the synthesized message.
	writeHeader := func(name, value string) {
		value = sanitizeHeaderValue(value)
		if value != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		}
	}
	writeHeader("From", m.From)
	writeHeader("To", m.To)
	writeHeader("Reply-To", m.ReplyTo)
	writeHeader("Subject", m.Subject)
	writeHeader("Message-ID", m.messageID())
	writeHeader("In-Reply-To", m.header("In-Reply-To"))
	writeHeader("References", m.header("References"))
	writeHeader("Date", m.header("Date"))
	if m.header("Date") == "" {
		writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	}
	writeHeader("MIME-Version", "1.0")

	body := m.TextBody
	if body == "" {
		body = m.HTMLBody
	}

	if len(m.Attachments) == 0 {
		contentType := "text/plain; charset=utf-8"
		if m.TextBody == "" && m.HTMLBody != "" {
			contentType = "text/html; charset=utf-8"
		}
		writeHeader("Content-Type", contentType)
		buf.WriteString("\r\n")
		buf.WriteString(body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	textHeader := textproto.MIMEHeader{}
	if m.TextBody == "" && m.HTMLBody != "" {
		textHeader.Set("Content-Type", "text/html; charset=utf-8")
	} else {
		textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	}
	part, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("write text part: %w", err)
	}

	for _, a := range m.Attachments {
		// Reject garbage up front rather than handing the preparer an
		// attachment body it cannot decode.
		if _, err := base64.StdEncoding.DecodeString(a.Content); err != nil {
			return nil, fmt.Errorf("attachment %s: invalid base64 content: %w", a.Name, err)
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", contentType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(a.Content)); err != nil {
			return nil, fmt.Errorf("write attachment part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), nil
}
