package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "report.pdf", want: "report.pdf"},
		{name: "markup", in: "<b>report</b>.pdf", want: "report.pdf"},
		{name: "ampersand kept", in: "a&b.txt", want: "a&b.txt"},
		{name: "unix traversal", in: "../../etc/passwd", want: "passwd"},
		{name: "windows path", in: `C:\Users\me\photo.png`, want: "photo.png"},
		{name: "control chars", in: "a\x00b\r\n.txt", want: "ab.txt"},
		{name: "empty", in: "", want: "file"},
		{name: "dot dot", in: "..", want: "file"},
		{name: "trailing slash", in: "dir/", want: "file"},
		{name: "unicode", in: "отчёт.pdf", want: "отчёт.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFileName(tt.in))
		})
	}
}

func TestSanitizeFileName_Truncates(t *testing.T) {
	long := strings.Repeat("я", 300)
	got := SanitizeFileName(long)
	assert.LessOrEqual(t, len(got), maxDisplayNameLen)
	assert.True(t, utf8.ValidString(got))
}
