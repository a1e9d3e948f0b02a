package execution

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplitResult(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		size      int
		maxChunks int
		wantCount int
	}{
		{"empty", "", 4, 4, 1},
		{"single", "abc", 4, 4, 1},
		{"even", strings.Repeat("a", 16), 4, 8, 4},
		{"remainder", strings.Repeat("a", 17), 4, 8, 5},
		{"bounded", strings.Repeat("a", 1000), 4, 10, 10},
		{"multibyte", strings.Repeat("日本語", 20), 4, 100, 0},
		{"emoji bounded", strings.Repeat("🙂", 50), 5, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pieces := splitResult(tt.text, tt.size, tt.maxChunks)
			assert.Equal(t, tt.text, strings.Join(pieces, ""))
			assert.LessOrEqual(t, len(pieces), tt.maxChunks)
			if tt.wantCount > 0 {
				assert.Len(t, pieces, tt.wantCount)
			}
			for _, p := range pieces {
				assert.True(t, utf8.ValidString(p), "piece %q splits a rune", p)
				if tt.text != "" {
					assert.NotEmpty(t, p)
				}
			}
		})
	}
}
