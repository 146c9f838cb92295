package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBrandPatternsDefaults(t *testing.T) {
	patterns, err := LoadBrandPatterns("")
	require.NoError(t, err)
	assert.Contains(t, patterns, "steam")
}

func TestLoadBrandPatternsFromFile(t *testing.T) {
	content := `brands:
  - brand: acme
    prefix: ACM
    pattern: XXXX-XXXX
    pin_pattern: XXXX
    instructions: Redeem at acme.example.
`
	path := filepath.Join(t.TempDir(), "brands.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	patterns, err := LoadBrandPatterns(path)
	require.NoError(t, err)

	require.Contains(t, patterns, "acme")
	assert.Equal(t, "ACM", patterns["acme"].Prefix)
	assert.Equal(t, "XXXX-XXXX", patterns["acme"].Pattern)
	assert.Equal(t, "XXXX", patterns["acme"].PINPattern)
}

func TestLoadBrandPatternsRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing brand name",
			content: "brands:\n  - pattern: XXXX\n",
		},
		{
			name:    "missing pattern",
			content: "brands:\n  - brand: acme\n",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "brands.yaml")
			require.NoError(t, os.WriteFile(path, []byte(test.content), 0o600))

			_, err := LoadBrandPatterns(path)
			assert.Error(t, err)
		})
	}
}
