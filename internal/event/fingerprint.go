// ABOUTME: Derives a stable identity for events so the same logical event seen twice can be recognized
// ABOUTME: Uses the event id when one exists, otherwise a BLAKE3 hash of the content

package event

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the dedup identity of e, or "" for kinds that have none
// (stream deltas and streaming status always pass through).
func (e ChatEvent) Fingerprint() string {
	if e.Kind.Ephemeral() {
		return ""
	}
	if e.ID != "" {
		return string(e.Kind) + ":" + e.ID
	}
	return string(e.Kind) + "#" + contentHash(e)
}

func contentHash(e ChatEvent) string {
	h := blake3.New()
	_, _ = h.Write([]byte(e.Content))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(e.ToolName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(e.Input)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
