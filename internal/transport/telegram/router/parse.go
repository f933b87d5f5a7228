package router

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// newReqID returns a short correlation id attached to every log line of
// one inbound message.
func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// splitCommand separates "/word@bot rest of line" into the command word and
// the untouched remainder.
func splitCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word = text[1:]
	if i := strings.IndexFunc(word, unicode.IsSpace); i >= 0 {
		word, rest = word[:i], strings.TrimSpace(word[i:])
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	return word, rest, word != ""
}

// tokenizeCommandLine splits arguments on whitespace. Single or double quotes
// group words and a backslash escapes the next rune, so `a "b c" d\ e`
// yields [a, b c, d e].
func tokenizeCommandLine(s string) []string {
	var (
		out     []string
		tok     strings.Builder
		quote   rune
		escaped bool
		started bool
	)
	for _, r := range s {
		switch {
		case escaped:
			tok.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, started = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				tok.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, started = r, true
		case unicode.IsSpace(r):
			if started {
				out = append(out, tok.String())
				tok.Reset()
				started = false
			}
		default:
			tok.WriteRune(r)
			started = true
		}
	}
	if started {
		out = append(out, tok.String())
	}
	return out
}

// sanitizeTelegramCommand maps a name onto Telegram's [a-z0-9_]{1,32}
// command alphabet. Runs of separators collapse to one underscore.
func sanitizeTelegramCommand(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := strings.Join(fields, "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
