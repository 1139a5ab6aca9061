// Package execution runs resolved tasks: first through the delegated agent
// runtime, then directly against the image API when delegation fails.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/carat-studio/internal/apperr"
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/mask"
)

// DefaultTimeout bounds one delegated call.
const DefaultTimeout = 25 * time.Second

// Execution paths, reported in ExecutionResult.Via.
const (
	PathDelegate = "delegate"
	PathDirect   = "direct"
)

// Observer receives execution events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveExecution(path, outcome string)
	ObserveFallback(reason string)
}

type noopObserver struct{}

func (noopObserver) ObserveExecution(string, string) {}
func (noopObserver) ObserveFallback(string)          {}

// Config configures a Strategy.
type Config struct {
	Timeout  time.Duration
	Mask     mask.Options
	Observer Observer
}

// Strategy executes tasks with delegation and fallback.
type Strategy struct {
	runtime  Runtime
	tools    ImageTools
	images   *ImageStore
	timeout  time.Duration
	maskOpts mask.Options
	observer Observer
	logger   *slog.Logger
}

// NewStrategy creates a Strategy. runtime may be nil.
func NewStrategy(runtime Runtime, tools ImageTools, images *ImageStore, cfg Config, logger *slog.Logger) *Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	return &Strategy{
		runtime:  runtime,
		tools:    tools,
		images:   images,
		timeout:  cfg.Timeout,
		maskOpts: cfg.Mask,
		observer: cfg.Observer,
		logger:   logger,
	}
}

// Execute runs task and always returns a normalized result. Failures carry
// an error code and a user-facing reply; causes are only logged.
func (s *Strategy) Execute(ctx context.Context, task *domain.Task) domain.ExecutionResult {
	if err := task.Validate(); err != nil {
		s.logger.Error("refusing to execute invalid task", "error", err)
		return s.failed(task, "", err)
	}

	params, err := s.Params(task)
	if err != nil {
		return s.failed(task, "", err)
	}

	img, via, err := s.run(ctx, task, params)
	if err != nil {
		return s.failed(task, via, err)
	}

	ref, path, err := s.images.Save(task.SessionID, task.ID, img)
	if err != nil {
		return s.failed(task, via, apperr.External(apperr.ReasonUpstream, "store image", err))
	}
	s.observer.ObserveExecution(via, "success")
	s.logger.Info("task executed",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"action", task.Action,
		"via", via,
		"image", ref,
	)
	return domain.ExecutionResult{Success: true, ImageRef: ref, Path: path, Via: via}
}

// Params builds the tool inputs for task. For a selection edit the
// selection is converted into an alpha mask matching the source; an empty
// selection degrades to an instruction-only edit whose mask covers the
// whole image.
func (s *Strategy) Params(task *domain.Task) (ToolParams, error) {
	p := ToolParams{Action: task.Action, Prompt: task.Prompt, Size: task.Size}
	if task.Action != domain.ActionEdit {
		return p, nil
	}

	src, err := s.images.Load(task.SourceImage)
	if err != nil {
		return p, apperr.New(apperr.CodeInvalidTaskState, "load edit source", err)
	}
	if len(task.Mask) > 0 {
		res, err := mask.Convert(task.Mask, src, s.maskOpts)
		switch {
		case err == nil:
			p.Image, p.Mask = res.Source, res.Mask
			return p, nil
		case errors.Is(err, mask.ErrEmptySelection):
			s.logger.Info("empty selection, editing by instruction only", "task_id", task.ID)
		case errors.Is(err, mask.ErrUnreadableSource):
			return p, apperr.New(apperr.CodeInvalidTaskState, "unreadable edit source", err)
		case apperr.CodeOf(err) != "":
			return p, err
		default:
			return p, apperr.New(apperr.CodeMaskDimensionMismatch, "unreadable selection", err)
		}
	}
	res, err := mask.NormalizeSource(src)
	if err != nil {
		return p, apperr.New(apperr.CodeInvalidTaskState, "unreadable edit source", err)
	}
	p.Image, p.Mask = res.Source, res.Mask
	return p, nil
}

func (s *Strategy) run(ctx context.Context, task *domain.Task, p ToolParams) ([]byte, string, error) {
	if s.runtime != nil {
		img, err := s.delegate(ctx, task, p)
		if err == nil {
			return img, PathDelegate, nil
		}
		reason := apperr.CodeOf(err)
		s.observer.ObserveFallback(string(reason))
		s.logger.Warn("delegation failed, falling back to direct tools",
			"task_id", task.ID,
			"reason", reason,
			"error", err,
		)
		if ctx.Err() != nil {
			return nil, PathDelegate, apperr.New(apperr.CodeDelegationTimeout, "turn cancelled", ctx.Err())
		}
	}

	img, err := s.direct(ctx, p)
	if err != nil {
		return nil, PathDirect, classifyToolError(err)
	}
	return img, PathDirect, nil
}

func (s *Strategy) delegate(ctx context.Context, task *domain.Task, p ToolParams) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.runtime.Run(callCtx, RuntimeRequest{TaskID: task.ID, SessionID: task.SessionID, Params: p})
	switch {
	case err == nil:
		if resp == nil || len(resp.Image) == 0 {
			return nil, apperr.New(apperr.CodeDelegationUnavailable, "agent returned no image", nil)
		}
		if resp.Note != "" {
			s.logger.Debug("agent note", "task_id", task.ID, "note", resp.Note)
		}
		return resp.Image, nil
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, apperr.New(apperr.CodeDelegationTimeout, fmt.Sprintf("agent did not answer within %s", s.timeout), err)
	default:
		return nil, apperr.New(apperr.CodeDelegationUnavailable, "agent call failed", err)
	}
}

func (s *Strategy) direct(ctx context.Context, p ToolParams) ([]byte, error) {
	if s.tools == nil {
		return nil, apperr.New(apperr.CodeDelegationUnavailable, "no direct image tools configured", nil)
	}
	if p.Action == domain.ActionEdit {
		return s.tools.Edit(ctx, p)
	}
	return s.tools.Generate(ctx, p)
}

func (s *Strategy) failed(task *domain.Task, via string, err error) domain.ExecutionResult {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeExternalAPI
	}
	if via != "" {
		s.observer.ObserveExecution(via, "failure")
	}
	attrs := []any{"code", code, "reason", apperr.ReasonOf(err), "error", err}
	if task != nil {
		attrs = append(attrs, "task_id", task.ID, "session_id", task.SessionID)
	}
	s.logger.Error("task execution failed", attrs...)
	return domain.ExecutionResult{
		Success:   false,
		Reply:     apperr.UserMessage(err),
		ErrorCode: code,
		Via:       via,
	}
}
