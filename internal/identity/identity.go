// Package identity derives the stable task identity and content fingerprint
// used to deduplicate inbound messages across repeated deliveries.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"strings"
)

// FallbackPrefix marks identities derived from content when no native
// message identifier is present.
const FallbackPrefix = "hash:"

// Identity is the dedupe key material for one raw message.
type Identity struct {
	// TaskID is the native Message-ID when present, else the derived
	// fallback. Stable for the lifetime of the task.
	TaskID string
	// Fingerprint is hex(sha256(raw)) regardless of how TaskID was derived.
	Fingerprint string
	// MessageID is the native identifier, empty when the header is absent.
	MessageID string
}

// Resolve computes the identity for raw message bytes. Identical bytes always
// yield the identical TaskID when no native identifier is present, so the
// fallback path is deterministic and replay-safe. Unparseable input falls
// back to the content hash rather than failing: dedupe must work even for
// malformed messages.
func Resolve(raw []byte) Identity {
	sum := sha256.Sum256(raw)
	fingerprint := hex.EncodeToString(sum[:])

	id := Identity{
		TaskID:      FallbackPrefix + fingerprint,
		Fingerprint: fingerprint,
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return id
	}
	messageID := strings.TrimSpace(msg.Header.Get("Message-ID"))
	if messageID == "" {
		return id
	}
	id.MessageID = messageID
	id.TaskID = messageID
	return id
}
