// Package orchestrator handles one chat turn end to end: session lookup,
// safety, onboarding, routing, the clarify-once dialog, execution and
// persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/carat-studio/internal/apperr"
	"github.com/ashureev/carat-studio/internal/dialog"
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/ashureev/carat-studio/internal/llm"
	"github.com/ashureev/carat-studio/internal/onboarding"
	"github.com/ashureev/carat-studio/internal/router"
	"github.com/ashureev/carat-studio/internal/safety"
	"github.com/ashureev/carat-studio/internal/session"
	"github.com/ashureev/carat-studio/internal/store"
	"github.com/google/uuid"
)

// historyWindow is how many persisted messages feed the router and chat model.
const historyWindow = 8

var (
	// ErrNoUser is returned for a turn without a user id.
	ErrNoUser = errors.New("turn without user id")
	// ErrUnsupportedUpload is returned when an attachment is not an image.
	ErrUnsupportedUpload = errors.New("attachment is not an image")
	// ErrEmptyTurn is returned for a turn with neither text nor attachments.
	ErrEmptyTurn = errors.New("empty turn")
)

// Upload is one attached file.
type Upload struct {
	Name string
	Data []byte
}

// Turn is one user message. It is never modified.
type Turn struct {
	// SessionID may be empty or unknown; a new session is started then.
	SessionID string
	UserID    string
	Text      string
	Images    []Upload
	// Selection is the painted overlay of a selection edit.
	Selection []byte
	// SourceImage references an image already in the conversation.
	SourceImage string
}

// Meta describes how a turn was handled.
type Meta struct {
	SessionID  string            `json:"session_id"`
	Decision   string            `json:"decision"`
	Intent     domain.Intent     `json:"intent,omitempty"`
	Source     domain.Source     `json:"source,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	Via        string            `json:"via,omitempty"`
	ErrorCode  apperr.Code       `json:"error_code,omitempty"`
	Defaulted  []domain.SlotName `json:"defaulted,omitempty"`
}

// Reply is the answer to a turn.
type Reply struct {
	Text     string `json:"reply"`
	ImageRef string `json:"image_url,omitempty"`
	Meta     Meta   `json:"meta"`
}

// Executor runs a resolved task. execution.Strategy implements it.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) domain.ExecutionResult
}

// ImageSaver stores uploaded images. execution.ImageStore implements it.
type ImageSaver interface {
	Save(sessionID, id string, data []byte) (ref, path string, err error)
}

// Observer receives turn-level events.
type Observer interface {
	ObserveTurn(intent, source string)
	ObserveClarification()
}

type noopObserver struct{}

func (noopObserver) ObserveTurn(string, string) {}
func (noopObserver) ObserveClarification()      {}

// Deps are the collaborators of an Orchestrator. Chat and Observer are optional.
type Deps struct {
	Router     *router.Router
	Dialog     *dialog.Manager
	Onboarding *onboarding.Service
	Safety     *safety.Filter
	Sessions   *session.Store
	Executor   Executor
	Images     ImageSaver
	Repo       store.Repository
	Chat       llm.Completer
	Observer   Observer
}

// Orchestrator is the composition root of a turn.
type Orchestrator struct {
	router     *router.Router
	dialog     *dialog.Manager
	onboarding *onboarding.Service
	safety     *safety.Filter
	sessions   *session.Store
	executor   Executor
	images     ImageSaver
	repo       store.Repository
	chat       llm.Completer
	observer   Observer
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(d Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if d.Observer == nil {
		d.Observer = noopObserver{}
	}
	return &Orchestrator{
		router:     d.Router,
		dialog:     d.Dialog,
		onboarding: d.Onboarding,
		safety:     d.Safety,
		sessions:   d.Sessions,
		executor:   d.Executor,
		images:     d.Images,
		repo:       d.Repo,
		chat:       d.Chat,
		observer:   d.Observer,
		logger:     logger,
	}
}

// turnState is what one HandleTurn call carries between steps.
type turnState struct {
	text      string
	source    string
	selection []byte
	history   []domain.StoredMessage
	onboard   onboarding.Result
	meta      Meta
}

// HandleTurn processes one turn. Turns of the same session run one at a
// time; execution failures are answered in the Reply, and only failures to
// reach the session or its storage are returned as errors.
func (o *Orchestrator) HandleTurn(ctx context.Context, turn Turn) (Reply, error) {
	if turn.UserID == "" {
		return Reply{}, ErrNoUser
	}
	text := lexicon.Normalize(turn.Text)
	if text == "" && len(turn.Images) == 0 && len(turn.Selection) == 0 {
		return Reply{}, ErrEmptyTurn
	}
	for _, up := range turn.Images {
		if !strings.HasPrefix(http.DetectContentType(up.Data), "image/") {
			return Reply{}, fmt.Errorf("%w: %s", ErrUnsupportedUpload, up.Name)
		}
	}

	cs, err := o.resolveSession(ctx, turn.UserID, turn.SessionID)
	if err != nil {
		return Reply{}, err
	}

	sc, release, err := o.sessions.Acquire(ctx, cs.ID, turn.UserID)
	if err != nil {
		return Reply{}, fmt.Errorf("acquire session: %w", err)
	}
	defer release()

	history, err := o.repo.ListMessages(ctx, cs.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("load history: %w", err)
	}
	if sc.Turns == 0 {
		o.hydrate(ctx, sc, history)
	}

	ts := &turnState{
		text:      text,
		source:    turn.SourceImage,
		selection: turn.Selection,
		history:   history,
		meta:      Meta{SessionID: cs.ID},
	}
	for _, up := range turn.Images {
		ref, _, err := o.images.Save(cs.ID, uuid.NewString(), up.Data)
		if err != nil {
			return Reply{}, fmt.Errorf("store upload: %w", err)
		}
		ts.source = ref
	}
	if ts.source != "" {
		sc.LastImage = ts.source
	}

	o.saveUserMessage(ctx, cs, ts)

	reply, prompt := o.respond(ctx, sc, ts)
	reply.Meta = ts.meta
	sc.Turns++

	if reply.ImageRef != "" {
		o.save(ctx, cs.ID, domain.RoleAssistant, fmt.Sprintf("[image] %s | %s", reply.ImageRef, prompt))
	}
	o.save(ctx, cs.ID, domain.RoleAssistant, reply.Text)
	return reply, nil
}

// resolveSession returns the caller's session, starting a new one when the
// id is empty, unknown or owned by someone else.
func (o *Orchestrator) resolveSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	if sessionID != "" {
		cs, err := o.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}
		if cs != nil && cs.UserID == userID {
			return cs, nil
		}
		if cs != nil {
			o.logger.Warn("session id belongs to another user, starting new session", "user_id", userID)
		}
	}
	cs, err := o.repo.CreateSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return cs, nil
}

// hydrate restores what outlives the in-memory context: the user's name and
// whether the conversation already started.
func (o *Orchestrator) hydrate(ctx context.Context, sc *session.Context, history []domain.StoredMessage) {
	user, err := o.repo.GetUser(ctx, sc.UserID)
	if err != nil {
		o.logger.Warn("failed to load user", "user_id", sc.UserID, "error", err)
	}
	if user != nil && user.DisplayName != "" {
		sc.UserName = user.DisplayName
		sc.Greeted = true
	}
	if len(history) > 0 {
		sc.Greeted = true
	}
}

func (o *Orchestrator) saveUserMessage(ctx context.Context, cs *domain.ChatSession, ts *turnState) {
	content := ts.text
	if content == "" && ts.source != "" {
		content = "[image] " + ts.source
	}
	o.save(ctx, cs.ID, domain.RoleUser, content)

	if firstUserMessage(ts.history) && ts.text != "" {
		if err := o.repo.UpdateSessionTitle(ctx, cs.ID, domain.TitleFromMessage(ts.text)); err != nil {
			o.logger.Warn("failed to set session title", "session_id", cs.ID, "error", err)
		}
	}
}

func (o *Orchestrator) save(ctx context.Context, sessionID, role, content string) {
	if content == "" {
		return
	}
	if _, err := o.repo.SaveMessage(ctx, sessionID, role, content); err != nil {
		o.logger.Error("failed to save message", "session_id", sessionID, "role", role, "error", err)
	}
}

func firstUserMessage(history []domain.StoredMessage) bool {
	for _, m := range history {
		if m.Role == domain.RoleUser {
			return false
		}
	}
	return true
}
