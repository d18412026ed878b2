package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/cppla/livedrop/models"
)

const (
	// CodeAlphabet holds 32 symbols; 0/O and 1/I are left out so codes survive
	// being read aloud or copied by hand.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength is the number of symbols in a share code.
	CodeLength = 4
	// DefaultCodeAttempts bounds collision retries when the caller passes 0.
	DefaultCodeAttempts = 100
)

// ErrCodeSpaceExhausted is returned when no free code was found within the
// retry bound.
var ErrCodeSpaceExhausted = fmt.Errorf("%w: no free share code", models.ErrCapacityExhausted)

var alphabetSize = big.NewInt(int64(len(CodeAlphabet)))

// RandomCode draws CodeLength symbols from CodeAlphabet using crypto/rand.
func RandomCode() (string, error) {
	buf := make([]byte, CodeLength)
	for i := range buf {
		v, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("draw code symbol: %w", err)
		}
		buf[i] = CodeAlphabet[v.Int64()]
	}
	return string(buf), nil
}

// GenerateCode draws candidates from source until one is not taken, giving up
// after attempts tries. It reserves nothing: the caller must hold whatever lock
// guards taken until the code is inserted.
func GenerateCode(source func() (string, error), taken func(string) bool, attempts int) (string, error) {
	if source == nil {
		source = RandomCode
	}
	if attempts <= 0 {
		attempts = DefaultCodeAttempts
	}
	for i := 0; i < attempts; i++ {
		code, err := source()
		if err != nil {
			return "", err
		}
		code = NormalizeCode(code)
		if !IsCode(code) {
			return "", fmt.Errorf("%w: generated code %q is outside the alphabet", models.ErrValidation, code)
		}
		if !taken(code) {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// NormalizeCode trims surrounding space and upper-cases user input.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// IsCode reports whether s is a well-formed, already normalized share code.
func IsCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(CodeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
