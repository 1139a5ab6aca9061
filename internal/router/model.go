package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/carat-studio/internal/apperr"
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/llm"
)

const classifierPrompt = `You classify one chat message for an image studio.
Reply with a single JSON object and nothing else:
{"intent":"generate|edit|chat","confidence":<number 0..1>,"slots":{"subject":"","style":"","pose":"","background":"","mood":""}}
- generate: the user wants a new image drawn or created.
- edit: the user wants an existing or uploaded image changed.
- chat: anything else, including questions about images.
Slot values are short English phrases. Omit unknown slots.`

type modelOutput struct {
	Intent     string            `json:"intent"`
	Confidence *float64          `json:"confidence"`
	Slots      map[string]string `json:"slots"`
}

var (
	errMissingConfidence = errors.New("missing confidence")
	errTrailingData      = errors.New("trailing data after JSON object")
)

// classifyModel asks the language model. Any failure yields CHAT with zero
// confidence alongside a ClassificationFailure error.
func (r *Router) classifyModel(ctx context.Context, text string, rc RecentContext) (*ModelResult, error) {
	failed := &ModelResult{domain.Classification{
		Intent:    domain.IntentChat,
		Slots:     domain.Slots{},
		Source:    domain.SourceModelFallback,
		Rationale: "classification failure",
	}}

	raw, err := r.model.Complete(ctx, llm.Completion{
		System:  classifierPrompt,
		History: historyMessages(rc.History),
		User:    describeTurn(text, rc),
		JSON:    true,
	})
	if err != nil {
		return failed, apperr.New(apperr.CodeClassificationFailure, "model call failed", err)
	}
	res, err := parseModelOutput(raw)
	if err != nil {
		return failed, apperr.New(apperr.CodeClassificationFailure, "malformed model output", err)
	}
	return res, nil
}

// parseModelOutput decodes the model's JSON strictly.
func parseModelOutput(raw string) (*ModelResult, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(raw))))
	dec.DisallowUnknownFields()

	var out modelOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, errTrailingData
	}

	intent, ok := domain.ParseIntent(strings.TrimSpace(out.Intent))
	if !ok {
		return nil, fmt.Errorf("unknown intent %q", out.Intent)
	}
	if out.Confidence == nil {
		return nil, errMissingConfidence
	}
	conf := *out.Confidence
	if conf < 0 || conf > 1 {
		return nil, fmt.Errorf("confidence %v out of range", conf)
	}

	slots := domain.Slots{}
	for _, name := range domain.AllSlots {
		if v := strings.TrimSpace(out.Slots[string(name)]); v != "" {
			slots[name] = v
		}
	}
	return &ModelResult{domain.Classification{
		Intent:     intent,
		Slots:      slots,
		Confidence: conf,
		Source:     domain.SourceModelFallback,
		Rationale:  "model",
	}}, nil
}

func historyMessages(history []domain.StoredMessage) []llm.Message {
	recent := domain.RecentMessages(history, historyWindow)
	out := make([]llm.Message, 0, len(recent))
	for _, m := range recent {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func describeTurn(text string, rc RecentContext) string {
	var b strings.Builder
	if rc.HasImage {
		b.WriteString("[the user attached an image]\n")
	}
	if rc.HasSelection {
		b.WriteString("[the user painted a selection on the image]\n")
	}
	b.WriteString(text)
	return b.String()
}
