package cardcode

import (
	"crypto/sha256"
	"strings"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Format fills a pattern from a seed. Every 'X' in the pattern is replaced
// with an alphanumeric character derived from the seed; all other characters
// are copied as-is. The same seed always yields the same code.
func Format(prefix, pattern string, seed []byte) string {
	digest := sha256.Sum256(seed)
	sb := strings.Builder{}
	if prefix != "" {
		sb.WriteString(prefix)
		sb.WriteByte('-')
	}
	next := 0
	for _, c := range pattern {
		if c != 'X' {
			sb.WriteRune(c)
			continue
		}
		if next >= len(digest) {
			digest = sha256.Sum256(digest[:])
			next = 0
		}
		sb.WriteByte(codeAlphabet[int(digest[next])%len(codeAlphabet)])
		next++
	}
	return sb.String()
}

// FormatPIN fills a digits-only pattern from a seed.
func FormatPIN(pattern string, seed []byte) string {
	digest := sha256.Sum256(append([]byte("pin:"), seed...))
	sb := strings.Builder{}
	i := 0
	for range pattern {
		if i >= len(digest) {
			digest = sha256.Sum256(digest[:])
			i = 0
		}
		sb.WriteByte('0' + digest[i]%10)
		i++
	}
	return sb.String()
}

func Matches(code, prefix, pattern string) bool {
	if prefix != "" {
		if !strings.HasPrefix(code, prefix+"-") {
			return false
		}
		code = code[len(prefix)+1:]
	}
	if len(code) != len(pattern) {
		return false
	}
	for i := range pattern {
		if pattern[i] != 'X' {
			if code[i] != pattern[i] {
				return false
			}
			continue
		}
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
