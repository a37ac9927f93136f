package element

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Fingerprint derives a stable cache key from the element's structural
// identity: tag, input type, name, id, and position among the form's
// controls. Content (value, label text) is deliberately excluded so the
// key survives re-renders that only touch text.
func (s *Snapshot) Fingerprint() string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%d",
		strings.ToLower(s.Tag), s.Type, s.Name, s.ID, s.FormIndex))
	return fmt.Sprintf("%x", h[:16]) // 128-bit is enough
}

// Signature is the coarser structural hash used to generalise learned
// corrections across structurally similar fields. It drops id and position
// (both tend to be per-render) and folds in the normalised label text, so a
// correction on one checkout page carries to the same field elsewhere.
func (s *Snapshot) Signature() string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s",
		strings.ToLower(s.Tag), s.Type, normalizeToken(s.Name), normalizeToken(s.Label)))
	return fmt.Sprintf("%x", h[:16])
}

// normalizeToken lowercases and strips separators so "Email_Address",
// "email-address" and "emailAddress " collide.
func normalizeToken(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		switch r {
		case ' ', '\t', '\n', '-', '_', '.', ':':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
