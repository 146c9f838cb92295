package cardcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		pattern string
		seed    string
	}{
		{
			name:    "dashed groups",
			prefix:  "SHP",
			pattern: "XXXX-XXXX-XXXX-XXXX",
			seed:    "order-1",
		},
		{
			name:    "plain",
			prefix:  "GRB",
			pattern: "XXXXXXXXXX",
			seed:    "order-2",
		},
		{
			name:    "no prefix",
			prefix:  "",
			pattern: "XXXXX-XXXXX",
			seed:    "order-3",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code := Format(test.prefix, test.pattern, []byte(test.seed))
			assert.True(t, Matches(code, test.prefix, test.pattern))
			assert.Equal(t, code, Format(test.prefix, test.pattern, []byte(test.seed)))
		})
	}
}

func TestFormatDiffersBySeed(t *testing.T) {
	a := Format("LZD", "XXXX-XXXX-XXXX", []byte("order-a"))
	b := Format("LZD", "XXXX-XXXX-XXXX", []byte("order-b"))
	assert.NotEqual(t, a, b)
}

func TestFormatPIN(t *testing.T) {
	pin := FormatPIN("XXXX", []byte("order-1"))
	assert.Len(t, pin, 4)
	for _, c := range pin {
		assert.GreaterOrEqual(t, c, '0')
		assert.LessOrEqual(t, c, '9')
	}
	assert.Equal(t, pin, FormatPIN("XXXX", []byte("order-1")))
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		prefix   string
		pattern  string
		expected bool
	}{
		{
			name:     "right",
			code:     "SHP-AB12-CD34-EF56-GH78",
			prefix:   "SHP",
			pattern:  "XXXX-XXXX-XXXX-XXXX",
			expected: true,
		},
		{
			name:     "wrong prefix",
			code:     "GRB-AB12-CD34-EF56-GH78",
			prefix:   "SHP",
			pattern:  "XXXX-XXXX-XXXX-XXXX",
			expected: false,
		},
		{
			name:     "wrong length",
			code:     "SHP-AB12",
			prefix:   "SHP",
			pattern:  "XXXX-XXXX",
			expected: false,
		},
		{
			name:     "lowercase rejected",
			code:     "SHP-ab12-cd34",
			prefix:   "SHP",
			pattern:  "XXXX-XXXX",
			expected: false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Matches(test.code, test.prefix, test.pattern))
		})
	}
}
