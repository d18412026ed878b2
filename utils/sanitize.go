package utils

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const maxDisplayNameLen = 255

var sanitizer = bluemonday.StrictPolicy()

// SanitizeFileName turns an attacker-supplied filename into a display string:
// markup is stripped, directory components are dropped, control characters
// removed and the result capped at 255 bytes. It is never a filesystem path.
func SanitizeFileName(name string) string {
	s := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	s = html.UnescapeString(sanitizer.Sanitize(s))
	s = strings.ReplaceAll(s, "\\", "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if s == "." || s == ".." {
		s = ""
	}
	if len(s) > maxDisplayNameLen {
		s = truncateUTF8(s, maxDisplayNameLen)
	}
	if s == "" {
		return "file"
	}
	return s
}

func truncateUTF8(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
