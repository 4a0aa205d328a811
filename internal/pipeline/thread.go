package pipeline

import (
	"errors"
	"strings"
)

// ResolveRecipient picks the reply target: the first reply-to address when
// present, else the original sender. No silent drop when both are missing.
func ResolveRecipient(replyTo []string, fromAddress string) (string, error) {
	if len(replyTo) > 0 && strings.TrimSpace(replyTo[0]) != "" {
		return replyTo[0], nil
	}
	if strings.TrimSpace(fromAddress) != "" {
		return fromAddress, nil
	}
	return "", errors.New("no reply recipient: message has neither reply-to nor from address")
}

// NormalizeSubject produces the reply subject. Idempotent under repeated
// application: an existing "re:" prefix is left untouched whatever its case.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return "Re:"
	}
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

// BuildReferences appends the original message identifier to the stored
// reference chain, order preserved, single space separator. This lets a
// thread nest arbitrarily deep without losing ancestry.
func BuildReferences(existing, messageID string) string {
	existing = strings.TrimSpace(existing)
	messageID = strings.TrimSpace(messageID)
	if existing == "" {
		return messageID
	}
	if messageID == "" {
		return existing
	}
	return existing + " " + messageID
}
