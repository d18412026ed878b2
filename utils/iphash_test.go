package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashIP(t *testing.T) {
	key := []byte("diagnostics-key")

	a := HashIP(key, "203.0.113.7")
	assert.Len(t, a, 16)
	assert.Equal(t, a, HashIP(key, "203.0.113.7"))
	assert.NotEqual(t, a, HashIP(key, "203.0.113.8"))
	assert.NotEqual(t, a, HashIP([]byte("other-key"), "203.0.113.7"))
	assert.NotContains(t, a, "203")

	long := []byte(strings.Repeat("k", 100))
	assert.Len(t, HashIP(long, "203.0.113.7"), 16)
}
