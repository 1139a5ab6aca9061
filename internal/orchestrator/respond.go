package orchestrator

import (
	"context"
	"fmt"

	"github.com/ashureev/carat-studio/internal/apperr"
	"github.com/ashureev/carat-studio/internal/dialog"
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/llm"
	"github.com/ashureev/carat-studio/internal/onboarding"
	"github.com/ashureev/carat-studio/internal/router"
	"github.com/ashureev/carat-studio/internal/safety"
	"github.com/ashureev/carat-studio/internal/session"
)

// Decision labels reported in Meta.Decision.
const (
	decisionRefused    = "refused"
	decisionOnboarding = "onboarding"
	decisionError      = "error"
)

// respond produces the reply for a turn and, for an image result, the
// prompt it was made from.
func (o *Orchestrator) respond(ctx context.Context, sc *session.Context, ts *turnState) (Reply, string) {
	if _, blocked := o.safety.Check(ts.text); blocked {
		ts.meta.Decision = decisionRefused
		o.logger.Info("turn refused by safety filter", "session_id", sc.SessionID)
		return Reply{Text: safety.Refusal}, ""
	}

	in := dialog.TurnInput{
		Text:        ts.text,
		Slots:       o.router.ExtractSlots(ts.text),
		SourceImage: ts.source,
		Selection:   ts.selection,
	}

	dec, err := o.decide(ctx, sc, ts, in)
	if err != nil {
		return o.stateError(sc, ts, err), ""
	}
	if ts.meta.Decision == decisionOnboarding {
		return Reply{Text: dec.Text}, ""
	}
	ts.meta.Decision = dec.Kind.String()

	switch dec.Kind {
	case dialog.KindAsk:
		o.observer.ObserveClarification()
		return Reply{Text: dec.Text}, ""
	case dialog.KindReply:
		return Reply{Text: dec.Text}, ""
	case dialog.KindAct:
		return o.act(ctx, sc, ts, dec)
	default:
		return Reply{Text: o.chatReply(ctx, sc, ts)}, ""
	}
}

// decide resolves the dialog step: cancel or answer a pending question,
// regenerate, or classify and begin.
func (o *Orchestrator) decide(ctx context.Context, sc *session.Context, ts *turnState, in dialog.TurnInput) (dialog.Decision, error) {
	if sc.HasPending() {
		if o.router.IsCancel(ts.text) {
			return o.dialog.Cancel(sc), nil
		}
		return o.dialog.Answer(sc, in)
	}

	regenerate := o.isRegenerate(sc, ts.text)
	var cls domain.Classification
	if !regenerate {
		cls = o.router.Classify(ctx, ts.text, router.RecentContext{
			History:      domain.RecentMessages(ts.history, historyWindow),
			HasImage:     ts.source != "",
			HasSelection: len(ts.selection) > 0,
		})
		// A painted selection can only mean an edit of the source image.
		if len(ts.selection) > 0 && cls.Intent != domain.IntentEdit {
			cls.Intent = domain.IntentEdit
			cls.Rationale = "selection attached"
		}
		ts.meta.Intent, ts.meta.Source, ts.meta.Confidence = cls.Intent, cls.Source, cls.Confidence
		o.observer.ObserveTurn(string(cls.Intent), string(cls.Source))
	}

	imageRequest := regenerate || cls.Intent != domain.IntentChat
	ts.onboard = o.onboarding.Handle(sc, ts.text, len(ts.history), imageRequest)
	if ts.onboard.Action == onboarding.ActionNameCaptured {
		if err := o.repo.UpdateUserName(ctx, sc.UserID, ts.onboard.Name); err != nil {
			o.logger.Warn("failed to persist user name", "user_id", sc.UserID, "error", err)
		}
	}
	if ts.onboard.Replied() {
		ts.meta.Decision = decisionOnboarding
		return dialog.Decision{Kind: dialog.KindReply, Text: ts.onboard.Reply}, nil
	}

	if regenerate {
		ts.meta.Intent = domain.IntentGenerate
		if sc.LastTask.Action == domain.ActionEdit {
			ts.meta.Intent = domain.IntentEdit
		}
		return o.dialog.Regenerate(sc), nil
	}
	return o.dialog.Begin(sc, cls, in)
}

// isRegenerate reports whether text asks for another version of the last
// task. Naming a different subject starts a new request instead.
func (o *Orchestrator) isRegenerate(sc *session.Context, text string) bool {
	if sc.LastTask == nil || !o.router.IsRegenerate(text) {
		return false
	}
	subject := o.router.ExtractSlots(text).Get(domain.SlotSubject)
	return subject == "" || subject == sc.LastTask.Slots.Get(domain.SlotSubject)
}

// act executes a resolved task. Complete always runs afterwards so the
// session never stays in READY_TO_ACT.
func (o *Orchestrator) act(ctx context.Context, sc *session.Context, ts *turnState, dec dialog.Decision) (Reply, string) {
	task := dec.Task
	ts.meta.TaskID = task.ID
	ts.meta.Defaulted = dec.Defaulted
	if task.Action == domain.ActionEdit {
		task.Prompt = o.rewriteEditPrompt(ctx, task.Instruction)
	}

	res := o.executor.Execute(ctx, task)
	o.dialog.Complete(sc, task)
	ts.meta.Via = res.Via

	if !res.Success {
		ts.meta.ErrorCode = res.ErrorCode
		return Reply{Text: res.Reply}, ""
	}

	sc.LastImage = res.ImageRef
	text := o.dialog.ResultReply(task)
	if onboarding.ShouldAskName(sc) {
		text += "\n\n" + onboarding.DeferredNameAsk
	}
	return Reply{Text: text, ImageRef: res.ImageRef}, task.Prompt
}

// stateError answers a dialog state violation: logged, session reset,
// generic apology.
func (o *Orchestrator) stateError(sc *session.Context, ts *turnState, err error) Reply {
	o.logger.Error("invalid dialog state, resetting session",
		"session_id", sc.SessionID,
		"state", sc.State,
		"error", err,
	)
	sc.Reset()
	ts.meta.Decision = decisionError
	ts.meta.ErrorCode = apperr.CodeOf(err)
	return Reply{Text: apperr.UserMessage(err)}
}

// rewriteEditPrompt turns a Korean edit instruction into one English image
// edit prompt. The raw instruction is used when no model is configured or
// the call fails.
func (o *Orchestrator) rewriteEditPrompt(ctx context.Context, instruction string) string {
	if o.chat == nil || instruction == "" {
		return instruction
	}
	out, err := o.chat.Complete(ctx, llm.Completion{
		System:      editPromptSystem,
		User:        instruction,
		Temperature: 0.2,
		MaxTokens:   120,
	})
	if err != nil || out == "" {
		o.logger.Warn("edit prompt rewrite failed, using instruction as is", "error", err)
		return instruction
	}
	return cleanModelLine(out)
}

// chatReply answers a CHAT turn with the language model, or a canned reply.
func (o *Orchestrator) chatReply(ctx context.Context, sc *session.Context, ts *turnState) string {
	if o.chat == nil {
		return cannedChatReply(sc.UserName)
	}
	recent := domain.RecentMessages(ts.history, historyWindow)
	history := make([]llm.Message, 0, len(recent))
	for _, m := range recent {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	system := chatSystemPrompt
	if sc.UserName != "" {
		system += fmt.Sprintf("\n사용자의 이름은 %s입니다. 필요하면 %s님이라고 부른다.", sc.UserName, sc.UserName)
	}
	out, err := o.chat.Complete(ctx, llm.Completion{
		System:      system,
		History:     history,
		User:        ts.text,
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil || out == "" {
		o.logger.Error("chat reply failed", "session_id", sc.SessionID, "error", err)
		return chatFailureReply
	}
	return out
}
