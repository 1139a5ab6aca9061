package router

import (
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/lexicon"
)

// Rule-stage confidences.
const (
	confNegated       = 0.6
	confSupport       = 0.75
	confFileEdit      = 0.9
	confEdit          = 0.8
	confVerbNounObj   = 0.9
	confVerbObject    = 0.8
	confVerbNoun      = 0.75
	confObjectNoun    = 0.6
	confBareVerb      = 0.5
	confNoSignal      = 0.2
	styleBonus        = 0.05
	maxRuleConfidence = 0.95
)

// RuleResult is a classification produced by the deterministic stage.
type RuleResult struct {
	domain.Classification
}

// classifyRules runs the keyword stage. Confidence grows with the number of
// independent signals that agree.
func classifyRules(lex *lexicon.Lexicon, text string, rc RecentContext) RuleResult {
	slots := lex.ExtractSlots(text)
	result := func(intent domain.Intent, conf float64, why string) RuleResult {
		return RuleResult{domain.Classification{
			Intent:     intent,
			Slots:      slots,
			Confidence: conf,
			Source:     domain.SourceRule,
			Rationale:  why,
		}}
	}

	if lex.Negation.Match(text) {
		return result(domain.IntentChat, confNegated, "negated")
	}
	if lex.NoIntent.Match(text) {
		return result(domain.IntentChat, confSupport, "support context")
	}

	hasEditWord := lex.Edit.Match(text)
	if hasEditWord && (rc.HasImage || rc.HasSelection) {
		return result(domain.IntentEdit, confFileEdit, "file+edit keywords")
	}
	if hasEditWord {
		return result(domain.IntentEdit, confEdit, "edit keywords")
	}

	verb := lex.GenerateVerb.Match(text)
	noun := lex.GenerateNoun.Match(text)
	object := slots.Has(domain.SlotSubject)

	var conf float64
	var why string
	switch {
	case verb && noun && object:
		conf, why = confVerbNounObj, "verb+noun+object"
	case verb && object:
		conf, why = confVerbObject, "verb+object"
	case verb && noun:
		conf, why = confVerbNoun, "verb+noun"
	case object && noun:
		conf, why = confObjectNoun, "object+photo"
	case verb:
		conf, why = confBareVerb, "bare verb"
	default:
		return result(domain.IntentChat, confNoSignal, "no signal")
	}
	if slots.Has(domain.SlotStyle) {
		conf += styleBonus
	}
	if conf > maxRuleConfidence {
		conf = maxRuleConfidence
	}
	return result(domain.IntentGenerate, conf, why)
}
