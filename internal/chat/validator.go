package chat

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Patterns that indicate script injection attempts; checked against raw
// content before escaping so rejected messages never enter the room.
var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script\b`),
	regexp.MustCompile(`(?i)</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<iframe\b`),
	regexp.MustCompile(`(?i)<object\b`),
	regexp.MustCompile(`(?i)<embed\b`),
}

var mentionTokenRe = regexp.MustCompile(`@([\p{Han}a-zA-Z0-9_]+)`)

// IsValidContent reports whether raw message content is acceptable: non-empty
// after trimming, within the length bound, and free of script injection
// markers.
func IsValidContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return false
	}
	for _, re := range xssPatterns {
		if re.MatchString(content) {
			return false
		}
	}
	return true
}

// SanitizeContent trims, HTML-escapes, and truncates content to the length
// bound. Used for ingress paths (MQTT bridge) that accept rather than reject
// oversized payloads.
func SanitizeContent(content string) string {
	trimmed := strings.TrimSpace(content)
	runes := []rune(trimmed)
	if len(runes) > MaxContentLength {
		trimmed = string(runes[:MaxContentLength])
	}
	return html.EscapeString(trimmed)
}

// ExtractAllMentions returns every @-mention token in the content, in order of
// appearance, deduplicated. Names longer than the username bound are skipped.
// Tokens are returned without the @ prefix.
func ExtractAllMentions(content string) []string {
	matches := mentionTokenRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if utf8.RuneCountInString(name) > MaxUsernameLength {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
