// Package safety refuses requests that promote violence or illegal acts.
package safety

import (
	"github.com/ashureev/carat-studio/internal/lexicon"
)

// Refusal is the reply sent for a blocked turn.
const Refusal = "죄송해요, 폭력·불법 행위를 조장하거나 미화하는 요청은 도와드릴 수 없어요. " +
	"다른 주제라면 언제든 도와드릴게요! 🙏"

// Filter checks turns against the lexicon's prohibited patterns.
type Filter struct {
	lex *lexicon.Lexicon
}

// NewFilter creates a Filter.
func NewFilter(lex *lexicon.Lexicon) *Filter {
	return &Filter{lex: lex}
}

// Check returns the matched pattern text and true when text is prohibited.
func (f *Filter) Check(text string) (string, bool) {
	hit := f.lex.Prohibited.Find(lexicon.Normalize(text))
	return hit, hit != ""
}
