package router

import "github.com/ashureev/carat-studio/internal/domain"

// ModelResult is a classification produced by the model fallback.
type ModelResult struct {
	domain.Classification
}

// Pick chooses between the rule and model results. The model wins only
// with strictly greater confidence. Slots the winner lacks are filled from
// the rule extraction.
func Pick(rule RuleResult, model *ModelResult) domain.Classification {
	if model == nil || model.Confidence <= rule.Confidence {
		return rule.Classification
	}
	out := model.Classification
	out.Slots = out.Slots.FillMissing(rule.Slots)
	return out
}
