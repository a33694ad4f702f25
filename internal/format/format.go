// Package format turns a notification into Telegram-safe message chunks.
//
// Output is meant for ParseMode="HTML": user text is escaped and any leftover
// tags are stripped, so title/body can never inject formatting or links.
package format

import (
	"strings"
	"unicode"

	"tgrelay/pkg/tgui"
)

const (
	// MaxLen is the Telegram sendMessage text limit in UTF-16 code units.
	MaxLen = 4096

	DefaultLinkLabel = "Details"
)

// Formatter renders notifications. The zero value uses MaxLen and DefaultLinkLabel.
type Formatter struct {
	MaxLen    int
	LinkLabel string
}

// Format renders with the zero Formatter.
func Format(title, body, delimiter, link string) []string {
	return Formatter{}.Format(title, body, delimiter, link)
}

// Format returns at least one chunk; every chunk is at most MaxLen UTF-16
// units and only the last one carries the link footer.
func (f Formatter) Format(title, body, delimiter, link string) []string {
	limit := f.MaxLen
	if limit <= 0 {
		limit = MaxLen
	}

	chunks := Split(Text(title, body, delimiter), limit)

	link = strings.TrimSpace(link)
	if link == "" {
		return chunks
	}

	footer := f.footer(link)
	fl := tgui.UTF16Len(footer)
	if fl >= limit {
		// The URL alone does not fit; it gets a chunk of its own, truncated
		// if needed. The ellipsis is one unit.
		rs := []rune(strings.TrimLeft(footer, "\n"))
		own := string(rs)
		if window(rs, limit) < len(rs) {
			own = string(rs[:entitySafeCut(rs, window(rs, limit-1))]) + "…"
		}
		return append(chunks, repairSlashes(own))
	}

	last := len(chunks) - 1
	if tgui.UTF16Len(chunks[last])+fl > limit {
		tail := Split(chunks[last], limit-fl)
		chunks = append(chunks[:last], tail...)
		last = len(chunks) - 1
	}
	chunks[last] = repairSlashes(chunks[last] + footer)
	return chunks
}

func (f Formatter) footer(link string) string {
	label := strings.TrimSpace(f.LinkLabel)
	if label == "" {
		label = DefaultLinkLabel
	}
	return "\n\n" + tgui.Plain(label) + ": " + tgui.Esc(link).String()
}

// Text assembles title and body (cut at the first delimiter) and neutralizes markup.
func Text(title, body, delimiter string) string {
	text := title
	if body != "" {
		if delimiter != "" {
			if i := strings.Index(body, delimiter); i >= 0 {
				body = body[:i]
			}
		}
		text += "\n\n" + body
		text = strings.TrimRightFunc(text, unicode.IsSpace)
	}
	return tgui.Plain(text)
}

// Split cuts s into chunks of at most limit UTF-16 units.
//
// Each cut is made right after the last whitespace inside the window, so the
// whitespace stays with the earlier chunk and strings.Join(chunks, "") == s.
// A window without whitespace is cut hard, but never inside an HTML entity.
func Split(s string, limit int) []string {
	if limit <= 0 {
		limit = MaxLen
	}
	if tgui.UTF16Len(s) <= limit {
		return []string{s}
	}

	rs := []rune(s)
	var out []string
	for {
		w := window(rs, limit)
		if w >= len(rs) {
			break
		}
		cut := -1
		for i := w - 1; i >= 0; i-- {
			if unicode.IsSpace(rs[i]) {
				cut = i + 1
				break
			}
		}
		if cut <= 0 {
			cut = entitySafeCut(rs, w)
		}
		out = append(out, string(rs[:cut]))
		rs = rs[cut:]
	}
	return append(out, string(rs))
}

// window is the number of leading runes of rs that fit in limit units,
// at least one so a single wide rune still makes progress.
func window(rs []rune, limit int) int {
	units := 0
	for i, r := range rs {
		units += tgui.UnitLen(r)
		if units > limit {
			return max(i, 1)
		}
	}
	return len(rs)
}

// maxEntityLen covers the entities html.EscapeString produces (&amp; &#39; ...).
const maxEntityLen = 6

// entitySafeCut moves a hard cut at n back before an entity it would split.
func entitySafeCut(rs []rune, n int) int {
	for i := n - 1; i >= 0 && i >= n-maxEntityLen; i-- {
		switch rs[i] {
		case ';':
			return n
		case '&':
			if i > 0 {
				return i
			}
			return n
		}
	}
	return n
}

// repairSlashes undoes URLs that arrived JSON-escaped twice ("https:\/\/...").
func repairSlashes(s string) string {
	return strings.ReplaceAll(s, `\/`, "/")
}
