// ABOUTME: Rewrites self-mentions rendered with the bot's display name into its canonical handle
// ABOUTME: Uses explicit offset/length spans when present and literal substitution otherwise

package normalize

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/2389/coven-chat/internal/chat"
)

// NormalizeMentions replaces each self-mention in text with "@"+handle.
// isSelf selects which spans refer to this bot. Spans are rune offsets; a
// span that falls outside text is ignored. When no usable span matched, every
// literal "@"+botName not followed by a letter or digit is replaced instead.
// It reports whether any self-mention was found.
func NormalizeMentions(text string, spans []chat.MentionSpan, isSelf func(chat.MentionSpan) bool, botName, handle string) (string, bool) {
	if handle == "" {
		handle = botName
	}
	if handle == "" {
		return text, false
	}

	runes := []rune(text)
	var self []chat.MentionSpan
	for _, s := range spans {
		if !s.HasSpan() || !isSelf(s) {
			continue
		}
		if s.Offset < 0 || s.Offset+s.Length > len(runes) {
			continue
		}
		self = append(self, s)
	}

	if len(self) > 0 {
		// Replace from the end so earlier offsets stay valid.
		slices.SortFunc(self, func(a, b chat.MentionSpan) int { return b.Offset - a.Offset })
		lastStart := len(runes) + 1
		for _, s := range self {
			if s.Offset+s.Length > lastStart {
				continue // overlapping span
			}
			replacement := []rune("@" + handle)
			runes = slices.Concat(runes[:s.Offset], replacement, runes[s.Offset+s.Length:])
			lastStart = s.Offset
		}
		return string(runes), true
	}

	if botName == "" {
		return text, false
	}
	return replaceLiteral(text, "@"+botName, "@"+handle)
}

// replaceLiteral replaces literal where it is not followed by a letter or
// digit, so "@Coven" does not match inside "@CovenHelper".
func replaceLiteral(text, literal, replacement string) (string, bool) {
	var b strings.Builder
	found := false
	for {
		i := strings.Index(text, literal)
		if i < 0 {
			break
		}
		end := i + len(literal)
		b.WriteString(text[:i])
		if next, _ := utf8.DecodeRuneInString(text[end:]); end < len(text) && (unicode.IsLetter(next) || unicode.IsDigit(next)) {
			b.WriteString(literal)
		} else {
			b.WriteString(replacement)
			found = true
		}
		text = text[end:]
	}
	b.WriteString(text)
	return b.String(), found
}
