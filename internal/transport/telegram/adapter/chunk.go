package adapter

import (
	"strings"
	"unicode/utf8"
)

// textLimit stays under Telegram's 4096 character cap to leave room for
// entities added by the HTML renderer.
const textLimit = 4000

// chunkText packs whole lines into messages of at most limit runes. A line
// longer than limit is cut mid-line; in HTML mode the cut backs off so it
// never lands inside a tag or entity. Blank lines at a chunk boundary are
// dropped.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = textLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var (
		out []string
		cur []rune
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, line := range strings.Split(s, "\n") {
		rs := []rune(line)
		if len(cur) > 0 && len(cur)+1+len(rs) <= limit {
			cur = append(cur, '\n')
			cur = append(cur, rs...)
			continue
		}
		flush()
		for len(rs) > limit {
			n := cutAt(rs, limit, html)
			out = append(out, string(rs[:n]))
			rs = rs[n:]
		}
		cur = append(cur, rs...)
	}
	flush()
	return out
}

// cutAt picks how many runes of rs go into the next chunk. The result is
// always in [1, limit].
func cutAt(rs []rune, limit int, html bool) int {
	window := rs[:limit]
	if html {
		if i := unclosed(window, '<', '>'); i > 0 {
			return i
		}
		if i := unclosed(window, '&', ';'); i > 0 {
			return i
		}
	}
	for i := limit - 1; i >= limit/2; i-- {
		if window[i] == ' ' {
			return i + 1
		}
	}
	return limit
}

// unclosed returns the index of the last lo rune not followed by hi, or -1.
func unclosed(rs []rune, lo, hi rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		switch rs[i] {
		case hi:
			return -1
		case lo:
			return i
		}
	}
	return -1
}
