package tgui

import (
	"html"
	"regexp"
	"strings"
)

// H represents HTML that is safe to pass to Telegram when ParseMode="HTML".
// Values of type H should be treated as already-escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

var tagRE = regexp.MustCompile(`<[^<>]*>`)

// StripTags removes anything that still looks like a markup tag.
// Run it after Esc so user supplied text can never reach Telegram as markup.
func StripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	return tagRE.ReplaceAllString(s, "")
}

// Plain escapes s and strips leftover tags.
func Plain(s string) string { return StripTags(Esc(s).String()) }
