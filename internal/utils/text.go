package utils

import (
	"strings"
	"unicode/utf8"
)

// SafeUTF8Truncate truncates a UTF-8 string to a maximum number of bytes
// without breaking multi-byte character boundaries.
//
// This function ensures that the truncation point doesn't fall in the middle
// of a multi-byte UTF-8 character, which would result in invalid UTF-8.
// If the string is already within the limit, it returns unchanged.
func SafeUTF8Truncate(str string, maxBytes int) string {
	if len(str) <= maxBytes {
		return str
	}

	// Ensure we don't truncate in the middle of a multi-byte character
	for i := maxBytes; i >= 0 && i > maxBytes-4; i-- {
		if utf8.ValidString(str[:i]) {
			return str[:i]
		}
	}

	// If no suitable truncation point found, use rune-level truncation
	runes := []rune(str)
	result := ""
	for _, r := range runes {
		test := result + string(r)
		if len(test) > maxBytes {
			break
		}
		result = test
	}

	return result
}

// SanitizeUTF8 validates and cleans a string to ensure it contains only
// valid UTF-8 characters. Invalid byte sequences are dropped.
func SanitizeUTF8(str string) string {
	if utf8.ValidString(str) {
		return str
	}

	var buf strings.Builder
	buf.Grow(len(str))

	for len(str) > 0 {
		r, size := utf8.DecodeRuneInString(str)
		if r == utf8.RuneError && size == 1 {
			// Skip invalid byte
			str = str[1:]
		} else {
			buf.WriteRune(r)
			str = str[size:]
		}
	}

	return buf.String()
}

// TruncateRunes truncates a string to at most n runes. Unlike
// SafeUTF8Truncate this counts characters, not bytes, so CJK text is
// measured the same way as ASCII.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Preview returns the first n runes of content with a trailing ellipsis
// when the content was longer. Used for source previews in API responses.
func Preview(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + "..."
}
