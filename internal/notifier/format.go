package notifier

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	codeRe   = regexp.MustCompile("`([^`\n]+)`")
	boldRe   = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	italicRe = regexp.MustCompile(`(^|[\s(])_([^_\n]+?)_([\s).,:;!?]|$)`)
	linkRe   = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	slotRe   = regexp.MustCompile("\x00([0-9]+)\x00")
)

// HTML renders the Markdown subset used in bot messages as Telegram HTML.
// Everything else is escaped, and code spans are left unformatted.
func HTML(s string) string {
	var codes []string
	s = codeRe.ReplaceAllStringFunc(s, func(m string) string {
		codes = append(codes, html.EscapeString(m[1:len(m)-1]))
		return "\x00" + strconv.Itoa(len(codes)-1) + "\x00"
	})

	s = html.EscapeString(s)
	s = linkRe.ReplaceAllString(s, `<a href="$2">$1</a>`)
	s = boldRe.ReplaceAllString(s, "<b>$1</b>")
	// Adjacent spans share a separator, so a second pass picks up the rest.
	for i := 0; i < 2; i++ {
		s = italicRe.ReplaceAllString(s, "$1<i>$2</i>$3")
	}

	if len(codes) == 0 {
		return s
	}
	return slotRe.ReplaceAllStringFunc(s, func(m string) string {
		i, err := strconv.Atoi(strings.Trim(m, "\x00"))
		if err != nil || i >= len(codes) {
			return ""
		}
		return "<code>" + codes[i] + "</code>"
	})
}
