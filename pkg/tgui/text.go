package tgui

import (
	"unicode/utf16"
	"unicode/utf8"
)

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated, so the result may be n+1 runes.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// UTF16Len is the length Telegram checks message limits against: runes
// outside the BMP (most emoji) count as two.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += UnitLen(r)
	}
	return n
}

// UnitLen is the UTF-16 length of r; invalid runes count as one (U+FFFD).
func UnitLen(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}
