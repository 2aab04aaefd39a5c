package chat

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMentionPatterns are the mention tokens that trigger the AI response
// path. The list is configurable because new aliases may be added without a
// code change.
var DefaultMentionPatterns = []string{
	"@AI",
	"@ai",
	"@Ai",
	"@aI",
	"@AI助手",
	"@ai助手",
	"@智能助手",
	"@助手",
}

// Mentions matches AI mention tokens in message content. Patterns are tried
// longest-first so that "@AI助手" wins over "@AI" and no partial token is
// stripped.
type Mentions struct {
	patterns []string
}

// NewMentions builds a matcher from the given patterns, sorted longest-first.
func NewMentions(patterns ...string) *Mentions {
	if len(patterns) == 0 {
		patterns = DefaultMentionPatterns
	}
	sorted := make([]string, len(patterns))
	copy(sorted, patterns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return &Mentions{patterns: sorted}
}

// DefaultMentions returns a matcher over DefaultMentionPatterns.
func DefaultMentions() *Mentions {
	return NewMentions()
}

// Detect reports whether content contains any mention token as a word-boundary
// match: the token must not be immediately followed by a letter, digit, or
// underscore, so "email@domain.com" never counts as a mention of "@AI".
func (m *Mentions) Detect(content string) bool {
	for _, p := range m.patterns {
		if containsToken(content, p) {
			return true
		}
	}
	return false
}

// Extract strips the first matching mention token (case-insensitive,
// longest-first) together with any spaces that follow it and returns the
// trimmed remainder. Returns "" when no token matches.
func (m *Mentions) Extract(content string) string {
	lower := strings.ToLower(content)
	for _, p := range m.patterns {
		idx := strings.Index(lower, strings.ToLower(p))
		if idx < 0 {
			continue
		}
		rest := content[idx+len(p):]
		rest = strings.TrimLeft(rest, " \t")
		return strings.TrimSpace(content[:idx] + rest)
	}
	return ""
}

func containsToken(content, token string) bool {
	start := 0
	for {
		idx := strings.Index(content[start:], token)
		if idx < 0 {
			return false
		}
		end := start + idx + len(token)
		if end >= len(content) {
			return true
		}
		next, _ := utf8.DecodeRuneInString(content[end:])
		if !isWordRune(next) {
			return true
		}
		start = end
	}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
