package domain

// Intent is the classified purpose of a chat turn.
type Intent string

const (
	IntentGenerate Intent = "GENERATE"
	IntentEdit     Intent = "EDIT"
	IntentChat     Intent = "CHAT"
)

// ParseIntent maps a loose label ("generate", "image.edit", ...) to an Intent.
func ParseIntent(label string) (Intent, bool) {
	switch label {
	case "GENERATE", "generate", "image.generate":
		return IntentGenerate, true
	case "EDIT", "edit", "image.edit":
		return IntentEdit, true
	case "CHAT", "chat", "chitchat":
		return IntentChat, true
	}
	return "", false
}

// Source records which classification stage produced a result.
type Source string

const (
	SourceRule          Source = "RULE"
	SourceModelFallback Source = "MODEL_FALLBACK"
)

// Classification is the router's verdict for one turn.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Slots      Slots   `json:"slots,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
	Rationale  string  `json:"rationale,omitempty"`
}

// DialogState is the clarify-once state of a session.
type DialogState string

const (
	StateIdle                  DialogState = "IDLE"
	StateAwaitingClarification DialogState = "AWAITING_CLARIFICATION"
	StateReadyToAct            DialogState = "READY_TO_ACT"
)
