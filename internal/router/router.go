// Package router classifies a chat turn into an intent with slots. A
// keyword stage answers first; a language model is consulted only when
// the keyword stage is unsure.
package router

import (
	"context"
	"log/slog"

	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/ashureev/carat-studio/internal/llm"
)

// DefaultThreshold is the rule confidence at or above which the model
// fallback is skipped.
const DefaultThreshold = 0.80

// historyWindow is how many prior messages the model sees.
const historyWindow = 8

// RecentContext is the read-only view of the session the router may use.
type RecentContext struct {
	History      []domain.StoredMessage
	HasImage     bool
	HasSelection bool
}

// Router classifies turns. It holds no session state.
type Router struct {
	lex       *lexicon.Lexicon
	model     llm.Completer
	threshold float64
	logger    *slog.Logger
}

// New creates a Router. model may be nil, in which case only the rule
// stage runs.
func New(lex *lexicon.Lexicon, model llm.Completer, threshold float64, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Router{lex: lex, model: model, threshold: threshold, logger: logger}
}

// Classify returns the intent of text.
func (r *Router) Classify(ctx context.Context, text string, rc RecentContext) domain.Classification {
	text = lexicon.Normalize(text)
	rule := classifyRules(r.lex, text, rc)
	if rule.Confidence >= r.threshold || r.model == nil {
		return rule.Classification
	}

	model, err := r.classifyModel(ctx, text, rc)
	if err != nil {
		r.logger.Warn("model classification failed",
			"rule_intent", rule.Intent,
			"rule_confidence", rule.Confidence,
			"error", err,
		)
	}
	picked := Pick(rule, model)
	r.logger.Debug("turn classified",
		"intent", picked.Intent,
		"source", picked.Source,
		"confidence", picked.Confidence,
		"rationale", picked.Rationale,
	)
	return picked
}

// ExtractSlots runs slot extraction only. Used for clarification answers.
func (r *Router) ExtractSlots(text string) domain.Slots {
	return r.lex.ExtractSlots(lexicon.Normalize(text))
}

// IsRegenerate reports whether text asks for another version of the last image.
func (r *Router) IsRegenerate(text string) bool {
	return r.lex.Variant.Match(lexicon.Normalize(text))
}

// IsCancel reports whether text abandons a pending clarification.
func (r *Router) IsCancel(text string) bool {
	return r.lex.Cancel.Match(lexicon.Normalize(text))
}
