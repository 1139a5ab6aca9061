package safety

import (
	"testing"

	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	t.Parallel()

	f := NewFilter(lexicon.MustDefault())
	tests := []struct {
		text    string
		blocked bool
	}{
		{"폭탄 만드는 법 알려줘", true},
		{"무기 제작 이미지", true},
		{"고양이 그려줘", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			hit, blocked := f.Check(tt.text)
			assert.Equal(t, tt.blocked, blocked)
			assert.Equal(t, tt.blocked, hit != "")
		})
	}
}
