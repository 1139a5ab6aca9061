// Package dialog implements the clarify-once policy: at most one combined
// question per task, then defaults.
package dialog

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/carat-studio/internal/apperr"
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/ashureev/carat-studio/internal/session"
	"github.com/google/uuid"
)

// Kind is what the orchestrator should do with a Decision.
type Kind int

const (
	// KindChat hands the turn to the conversational reply path.
	KindChat Kind = iota
	// KindAsk sends Decision.Text as the one clarifying question.
	KindAsk
	// KindAct executes Decision.Task.
	KindAct
	// KindReply sends Decision.Text and does nothing else.
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindAsk:
		return "ask"
	case KindAct:
		return "act"
	case KindReply:
		return "reply"
	default:
		return "chat"
	}
}

// Decision is the outcome of one dialog step.
type Decision struct {
	Kind Kind
	Text string
	Task *domain.Task
	// Defaulted lists the slots of Task that came from the default policy.
	Defaulted []domain.SlotName
}

// TurnInput is the part of a turn the dialog manager consumes.
type TurnInput struct {
	Text string
	// Slots extracted from Text.
	Slots domain.Slots
	// SourceImage is a reference to an image attached to this turn.
	SourceImage string
	// Selection is the raw painted overlay, if any.
	Selection []byte
}

// generateRequired are the slots a generate task asks for.
var generateRequired = []domain.SlotName{domain.SlotSubject, domain.SlotStyle}

// DefaultEditInstruction is used for a selection edit without text.
const DefaultEditInstruction = "선택한 영역만 수정하고, 나머지 영역은 변경하지 말아주세요. " +
	"캐릭터의 스타일·선 두께·윤곽·조명은 유지해주세요. " +
	"선택 부위를 주변 색상과 동일한 색으로 변경하고, 음영도 기존 톤을 따르세요."

// Config configures a Manager.
type Config struct {
	Defaults Defaults
	// Size is the image size requested for every task.
	Size string
}

// Manager drives session.Context through IDLE, AWAITING_CLARIFICATION and
// READY_TO_ACT. It never blocks and does no I/O.
type Manager struct {
	lex      *lexicon.Lexicon
	defaults domain.Slots
	size     string
	hints    []string
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(lex *lexicon.Lexicon, cfg Config) *Manager {
	size := cfg.Size
	if size == "" {
		size = "1024x1024"
	}
	return &Manager{
		lex:      lex,
		defaults: cfg.Defaults.Slots(),
		size:     size,
		hints:    lex.RegenerateHints(),
		now:      time.Now,
	}
}

// Begin starts a dialog step from IDLE.
func (m *Manager) Begin(sc *session.Context, cls domain.Classification, in TurnInput) (Decision, error) {
	if sc.HasPending() {
		return Decision{}, apperr.New(apperr.CodeInvalidTaskState, "begin with a pending clarification", nil)
	}
	switch cls.Intent {
	case domain.IntentGenerate:
		return m.beginGenerate(sc, cls.Slots.Merge(in.Slots)), nil
	case domain.IntentEdit:
		return m.beginEdit(sc, cls.Slots.Merge(in.Slots), in), nil
	default:
		return Decision{Kind: KindChat}, nil
	}
}

func (m *Manager) beginGenerate(sc *session.Context, slots domain.Slots) Decision {
	missing := slots.Missing(generateRequired)
	if len(missing) == 0 {
		return m.actGenerate(sc, slots)
	}
	sc.Pending = &session.Pending{
		Intent:    domain.IntentGenerate,
		Slots:     slots,
		Asked:     true,
		AskedFor:  missing,
		CreatedAt: m.now(),
	}
	sc.State = domain.StateAwaitingClarification
	return Decision{Kind: KindAsk, Text: m.generateQuestion(sc.UserName, slots, missing)}
}

func (m *Manager) beginEdit(sc *session.Context, slots domain.Slots, in TurnInput) Decision {
	source := in.SourceImage
	if source == "" {
		source = sc.LastImage
	}
	instruction := editInstruction(in)
	if source != "" {
		return m.act(sc, m.editTask(sc, slots, source, in.Selection, instruction))
	}
	sc.Pending = &session.Pending{
		Intent:      domain.IntentEdit,
		Slots:       slots,
		Asked:       true,
		CreatedAt:   m.now(),
		Mask:        in.Selection,
		Instruction: instruction,
	}
	sc.State = domain.StateAwaitingClarification
	return Decision{Kind: KindAsk, Text: editQuestion(sc.UserName)}
}

// Answer consumes the reply to the pending question. It never asks again:
// whatever is still missing is defaulted, except an edit's source image.
func (m *Manager) Answer(sc *session.Context, in TurnInput) (Decision, error) {
	if !sc.HasPending() {
		return Decision{}, apperr.New(apperr.CodeInvalidTaskState, "answer without a pending clarification", nil)
	}
	p := sc.Pending
	slots := p.Slots.Merge(in.Slots)

	switch p.Intent {
	case domain.IntentGenerate:
		return m.actGenerate(sc, slots), nil

	case domain.IntentEdit:
		source := in.SourceImage
		if source == "" {
			source = p.SourceImage
		}
		if source == "" {
			sc.Reset()
			return Decision{Kind: KindReply, Text: attachImageReply}, nil
		}
		selection := in.Selection
		if len(selection) == 0 {
			selection = p.Mask
		}
		instruction := p.Instruction
		if text := strings.TrimSpace(in.Text); text != "" && instruction == "" {
			instruction = text
		}
		if instruction == "" {
			instruction = DefaultEditInstruction
		}
		return m.act(sc, m.editTask(sc, slots, source, selection, instruction)), nil

	default:
		sc.Reset()
		return Decision{}, apperr.New(apperr.CodeInvalidTaskState,
			fmt.Sprintf("pending clarification for %s", p.Intent), nil)
	}
}

// Cancel abandons the pending clarification.
func (m *Manager) Cancel(sc *session.Context) Decision {
	sc.Reset()
	return Decision{Kind: KindReply, Text: cancelReply}
}

// Complete returns the session to IDLE after execution, whatever the
// outcome, and remembers task for regeneration.
func (m *Manager) Complete(sc *session.Context, task *domain.Task) {
	sc.Reset()
	if task != nil {
		sc.LastTask = task
	}
}

// Regenerate builds another version of the last task with the fixed
// quality hints applied once. After an edit it re-runs the same edit on
// the same source.
func (m *Manager) Regenerate(sc *session.Context) Decision {
	last := sc.LastTask
	if last == nil || last.Prompt == "" {
		return Decision{Kind: KindReply, Text: nothingToRegenerateReply}
	}
	task := &domain.Task{
		ID:        uuid.NewString(),
		SessionID: sc.SessionID,
		Action:    domain.ActionRegenerate,
		Prompt:    AugmentPrompt(last.Prompt, m.hints),
		Size:      m.size,
		Slots:     last.Slots.Clone(),
	}
	if last.Action == domain.ActionEdit {
		task.Action = domain.ActionEdit
		task.SourceImage = last.SourceImage
		task.Mask = slices.Clone(last.Mask)
		task.Instruction = last.Instruction
	}
	return m.act(sc, task)
}

func (m *Manager) act(sc *session.Context, task *domain.Task) Decision {
	sc.Pending = nil
	sc.State = domain.StateReadyToAct
	return Decision{Kind: KindAct, Task: task}
}

func (m *Manager) actGenerate(sc *session.Context, slots domain.Slots) Decision {
	d := m.act(sc, m.generateTask(sc, slots))
	d.Defaulted = slots.Missing(domain.AllSlots)
	return d
}

func (m *Manager) generateTask(sc *session.Context, slots domain.Slots) *domain.Task {
	filled := slots.FillMissing(m.defaults)
	return &domain.Task{
		ID:        uuid.NewString(),
		SessionID: sc.SessionID,
		Action:    domain.ActionGenerate,
		Prompt:    BuildPrompt(filled),
		Size:      m.size,
		Slots:     filled,
	}
}

func (m *Manager) editTask(sc *session.Context, slots domain.Slots, source string, selection []byte, instruction string) *domain.Task {
	if instruction == "" {
		instruction = DefaultEditInstruction
	}
	return &domain.Task{
		ID:          uuid.NewString(),
		SessionID:   sc.SessionID,
		Action:      domain.ActionEdit,
		Prompt:      instruction,
		Size:        m.size,
		Slots:       slots,
		SourceImage: source,
		Mask:        selection,
		Instruction: instruction,
	}
}

func editInstruction(in TurnInput) string {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Selection) > 0 {
		return DefaultEditInstruction
	}
	return text
}
