package dlq

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Error signatures group failures that differ only in volatile detail.
// Masking happens before hashing so "timeout after 601s in /tmp/wt-abc123"
// and "timeout after 599s in /tmp/wt-def456" land in the same bucket.
var (
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	pathPattern   = regexp.MustCompile(`(/[\w.-]+){2,}`)
	hexPattern    = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	numPattern    = regexp.MustCompile(`\d+`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Signature returns a stable 16-hex-digit signature for an error message.
func Signature(message string) string {
	masked := MaskTokens(message)
	sum := sha256.Sum256([]byte(masked))
	return hex.EncodeToString(sum[:])[:16]
}

// MaskTokens replaces volatile tokens in an error message with
// placeholders: quoted strings, filesystem paths, long hex runs, and
// numbers, in that order.
func MaskTokens(message string) string {
	s := quotedPattern.ReplaceAllString(message, "<str>")
	s = pathPattern.ReplaceAllString(s, "<path>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = numPattern.ReplaceAllString(s, "<n>")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
