package logging

import (
	"regexp"
	"strings"
)

// secretKeyPattern matches attribute keys whose values are secrets by
// definition, regardless of shape.
var secretKeyPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|authorization|credential)`)

// secretValuePatterns match secret-shaped substrings inside any value.
var secretValuePatterns = []*regexp.Regexp{
	// Authorization headers: "Bearer eyJhb...", "Basic dXNlcj..."
	regexp.MustCompile(`(?i)\b(?:bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`),
	// GitHub-style tokens: ghp_, gho_, ghu_, ghs_, ghr_, github_pat_.
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`),
	// Slack-style tokens.
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
	// JWT-shaped triplets.
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}`),
	// Generic key=value secrets embedded in text.
	regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key)\s*[=:]\s*\S{6,}`),
}

// fingerprintTail is how many trailing characters survive redaction.
const fingerprintTail = 4

// RedactField redacts a value given its attribute key. Keys that name a
// secret get the whole value replaced; other keys get the pattern pass.
func RedactField(key, value string) string {
	if value == "" {
		return value
	}
	if secretKeyPattern.MatchString(key) {
		return fingerprint(value)
	}
	return Redact(value)
}

// Redact replaces every secret-shaped substring of s with a fingerprint
// keeping only the last few characters.
func Redact(s string) string {
	for _, p := range secretValuePatterns {
		s = p.ReplaceAllStringFunc(s, fingerprint)
	}
	return s
}

func fingerprint(s string) string {
	tail := s
	if len(s) > fingerprintTail {
		tail = s[len(s)-fingerprintTail:]
	}
	// The tail itself may contain non-secret trailing punctuation; strip
	// whitespace so fingerprints stay single-token.
	tail = strings.TrimSpace(tail)
	return "[REDACTED:" + tail + "]"
}
