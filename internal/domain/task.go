package domain

import (
	"fmt"

	"github.com/ashureev/carat-studio/internal/apperr"
)

// Action is the kind of executable task.
type Action string

const (
	ActionGenerate   Action = "GENERATE"
	ActionEdit       Action = "EDIT"
	ActionRegenerate Action = "REGENERATE"
)

// Task is a fully resolved image request. It is built by the dialog
// manager and discarded after execution.
type Task struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Action      Action `json:"action"`
	Prompt      string `json:"prompt"`
	Size        string `json:"size"`
	Slots       Slots  `json:"slots,omitempty"`
	SourceImage string `json:"source_image,omitempty"`
	Mask        []byte `json:"-"`
	Instruction string `json:"instruction,omitempty"`
}

// Validate reports an InvalidTaskState error when a required slot is
// missing for the task's action.
func (t *Task) Validate() error {
	if t == nil {
		return apperr.New(apperr.CodeInvalidTaskState, "nil task", nil)
	}
	if t.Prompt == "" {
		return apperr.New(apperr.CodeInvalidTaskState, fmt.Sprintf("%s task without prompt", t.Action), nil)
	}
	switch t.Action {
	case ActionGenerate:
		if !t.Slots.Has(SlotSubject) {
			return apperr.New(apperr.CodeInvalidTaskState, "generate task without subject", nil)
		}
	case ActionRegenerate:
	case ActionEdit:
		if t.SourceImage == "" {
			return apperr.New(apperr.CodeInvalidTaskState, "edit task without source image", nil)
		}
		if len(t.Mask) == 0 && t.Instruction == "" {
			return apperr.New(apperr.CodeInvalidTaskState, "edit task without mask or instruction", nil)
		}
	default:
		return apperr.New(apperr.CodeInvalidTaskState, fmt.Sprintf("unknown action %q", t.Action), nil)
	}
	return nil
}

// ExecutionResult is the normalized outcome of executing a Task.
type ExecutionResult struct {
	Success   bool        `json:"success"`
	ImageRef  string      `json:"image_ref,omitempty"`
	Path      string      `json:"-"`
	Reply     string      `json:"reply"`
	ErrorCode apperr.Code `json:"error_code,omitempty"`
	Via       string      `json:"via,omitempty"`
}
