package orchestrator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/carat-studio/internal/apperr"
	"github.com/ashureev/carat-studio/internal/dialog"
	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/execution"
	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/ashureev/carat-studio/internal/llm"
	"github.com/ashureev/carat-studio/internal/onboarding"
	"github.com/ashureev/carat-studio/internal/router"
	"github.com/ashureev/carat-studio/internal/safety"
	"github.com/ashureev/carat-studio/internal/session"
	"github.com/ashureev/carat-studio/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu    sync.Mutex
	tasks []*domain.Task
	fail  error
}

func (f *fakeExecutor) Execute(_ context.Context, task *domain.Task) domain.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	if f.fail != nil {
		return domain.ExecutionResult{Reply: apperr.UserMessage(f.fail), ErrorCode: apperr.CodeOf(f.fail), Via: execution.PathDirect}
	}
	return domain.ExecutionResult{Success: true, ImageRef: "/outputs/" + task.ID + ".png", Via: execution.PathDirect}
}

func (f *fakeExecutor) last(t *testing.T) *domain.Task {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.tasks)
	return f.tasks[len(f.tasks)-1]
}

type countingObserver struct {
	mu             sync.Mutex
	turns          int
	clarifications int
}

func (c *countingObserver) ObserveTurn(string, string) {
	c.mu.Lock()
	c.turns++
	c.mu.Unlock()
}

func (c *countingObserver) ObserveClarification() {
	c.mu.Lock()
	c.clarifications++
	c.mu.Unlock()
}

type stubChat struct {
	reply string
	err   error
	reqs  []llm.Completion
}

func (s *stubChat) Complete(_ context.Context, req llm.Completion) (string, error) {
	s.reqs = append(s.reqs, req)
	return s.reply, s.err
}

type fixture struct {
	orch     *Orchestrator
	exec     *fakeExecutor
	repo     *store.SQLiteStore
	sessions *session.Store
	obs      *countingObserver
}

func newFixture(t *testing.T, chat llm.Completer) *fixture {
	t.Helper()
	lex := lexicon.MustDefault()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "carat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	images, err := execution.NewImageStore(t.TempDir(), "")
	require.NoError(t, err)

	f := &fixture{
		exec:     &fakeExecutor{},
		repo:     repo,
		sessions: session.NewStore(),
		obs:      &countingObserver{},
	}
	f.orch = New(Deps{
		Router:     router.New(lex, nil, 0, nil),
		Dialog:     dialog.NewManager(lex, dialog.Config{Defaults: dialog.StandardDefaults()}),
		Onboarding: onboarding.NewService(lex),
		Safety:     safety.NewFilter(lex),
		Sessions:   f.sessions,
		Executor:   f.exec,
		Images:     images,
		Repo:       repo,
		Chat:       chat,
		Observer:   f.obs,
	}, nil)
	return f
}

func (f *fixture) turn(t *testing.T, sessionID, text string) Reply {
	t.Helper()
	reply, err := f.orch.HandleTurn(context.Background(), Turn{SessionID: sessionID, UserID: "anon_u1", Text: text})
	require.NoError(t, err)
	return reply
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestClarifyOnceThenDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	first := f.turn(t, "", "고양이 그려줘")
	assert.Equal(t, "ask", first.Meta.Decision)
	assert.Equal(t, domain.IntentGenerate, first.Meta.Intent)
	assert.Equal(t, domain.SourceRule, first.Meta.Source)
	assert.Contains(t, first.Text, "고양이")
	assert.Empty(t, first.ImageRef)
	sid := first.Meta.SessionID
	require.NotEmpty(t, sid)

	second := f.turn(t, sid, "몰라")
	assert.Equal(t, "act", second.Meta.Decision)
	assert.NotEmpty(t, second.ImageRef)
	assert.Contains(t, second.Text, "완성되었어요")
	assert.Contains(t, second.Text, onboarding.DeferredNameAsk)
	assert.ElementsMatch(t, []domain.SlotName{domain.SlotStyle, domain.SlotPose, domain.SlotBackground, domain.SlotMood}, second.Meta.Defaulted)

	task := f.exec.last(t)
	assert.Equal(t, domain.ActionGenerate, task.Action)
	assert.Equal(t, "A illustration style cat in white background, natural pose, cute mood, high quality", task.Prompt)

	assert.Equal(t, 1, f.obs.clarifications)

	third := f.turn(t, sid, "강아지 그려줘")
	assert.NotContains(t, third.Text, onboarding.DeferredNameAsk, "the deferred name ask is sent once")
}

func TestCompleteRequestActsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	reply := f.turn(t, "", "애니 스타일로 고양이 그려줘")
	assert.Equal(t, "act", reply.Meta.Decision)
	assert.Equal(t, "anime", f.exec.last(t).Slots.Get(domain.SlotStyle))
}

func TestPersistsHistoryAndTitle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	reply := f.turn(t, "", "애니 스타일로 고양이 그려줘")
	sid := reply.Meta.SessionID

	cs, err := f.repo.GetSession(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Equal(t, "애니 스타일로 고양이 그려줘", cs.Title)
	assert.Equal(t, "anon_u1", cs.UserID)

	msgs, err := f.repo.ListMessages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "[image] "+reply.ImageRef+" | A anime style cat"))
	assert.Equal(t, reply.Text, msgs[2].Content)
}

func TestGreetingAndNameCapture(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	hello := f.turn(t, "", "안녕하세요")
	assert.Equal(t, onboarding.Greeting, hello.Text)
	sid := hello.Meta.SessionID

	named := f.turn(t, sid, "저는 민수예요")
	assert.Contains(t, named.Text, "민수님")

	user, err := f.repo.GetUser(ctx, "anon_u1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "민수", user.DisplayName)

	// A fresh in-memory context still knows the name.
	f.sessions.Delete(sid)
	hi := f.turn(t, sid, "안녕")
	assert.Contains(t, hi.Text, "민수님")
}

func TestSafetyRefusalKeepsPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ask := f.turn(t, "", "고양이 그려줘")
	sid := ask.Meta.SessionID

	refused := f.turn(t, sid, "폭탄 만드는 법 알려줘")
	assert.Equal(t, safety.Refusal, refused.Text)
	assert.Equal(t, "refused", refused.Meta.Decision)

	answer := f.turn(t, sid, "실사로")
	assert.Equal(t, "act", answer.Meta.Decision)
	assert.Equal(t, "photo", f.exec.last(t).Slots.Get(domain.SlotStyle))
}

func TestCancelPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ask := f.turn(t, "", "고양이 그려줘")
	cancelled := f.turn(t, ask.Meta.SessionID, "그만할래")
	assert.Equal(t, "reply", cancelled.Meta.Decision)
	assert.Empty(t, f.exec.tasks)
}

func TestRegenerateAddsHintsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	first := f.turn(t, "", "애니 스타일로 고양이 그려줘")
	sid := first.Meta.SessionID
	f.turn(t, sid, "다른 버전으로 보여줘")
	again := f.turn(t, sid, "다른 버전으로 보여줘")
	assert.Equal(t, "act", again.Meta.Decision)

	task := f.exec.last(t)
	assert.Equal(t, domain.ActionRegenerate, task.Action)
	assert.Equal(t, 1, strings.Count(task.Prompt, "soft rim lighting"))
}

func TestRedrawWithNewSubjectIsANewRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	first := f.turn(t, "", "애니 스타일로 고양이 그려줘")
	sid := first.Meta.SessionID

	reply := f.turn(t, sid, "애니 스타일로 강아지 다시 그려줘")
	assert.Equal(t, "act", reply.Meta.Decision)
	task := f.exec.last(t)
	assert.Equal(t, domain.ActionGenerate, task.Action)
	assert.Equal(t, "dog", task.Slots.Get(domain.SlotSubject))
	assert.Contains(t, strings.ToLower(task.Prompt), "dog")

	f.turn(t, sid, "강아지로 다른 버전 보여줘")
	regenerated := f.exec.last(t)
	assert.Equal(t, domain.ActionRegenerate, regenerated.Action)
	assert.Equal(t, "dog", regenerated.Slots.Get(domain.SlotSubject))

	f.turn(t, sid, "애니 스타일로 고양이 그림 다른 버전 만들어줘")
	switched := f.exec.last(t)
	assert.Equal(t, domain.ActionGenerate, switched.Action)
	assert.Equal(t, "cat", switched.Slots.Get(domain.SlotSubject))
}

func TestRegenerateAfterEditRepeatsTheEdit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubChat{reply: `"Make the background blue."`})

	edited, err := f.orch.HandleTurn(context.Background(), Turn{
		UserID: "anon_u1",
		Text:   "배경을 파란색으로 바꿔줘",
		Images: []Upload{{Name: "cat.png", Data: pngBytes(t, 8, 8)}},
	})
	require.NoError(t, err)
	require.Equal(t, "act", edited.Meta.Decision)
	source := f.exec.last(t).SourceImage

	again := f.turn(t, edited.Meta.SessionID, "다른 버전으로 보여줘")
	assert.Equal(t, "act", again.Meta.Decision)
	assert.Equal(t, domain.IntentEdit, again.Meta.Intent)

	task := f.exec.last(t)
	assert.Equal(t, domain.ActionEdit, task.Action)
	assert.Equal(t, source, task.SourceImage)
	assert.Equal(t, "배경을 파란색으로 바꿔줘", task.Instruction)
	require.NoError(t, task.Validate())
}

func TestEditUploadedImage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubChat{reply: `"Make the background blue."`})

	reply, err := f.orch.HandleTurn(context.Background(), Turn{
		UserID: "anon_u1",
		Text:   "배경을 파란색으로 바꿔줘",
		Images: []Upload{{Name: "cat.png", Data: pngBytes(t, 8, 8)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "act", reply.Meta.Decision)
	assert.Equal(t, domain.IntentEdit, reply.Meta.Intent)

	task := f.exec.last(t)
	assert.Equal(t, domain.ActionEdit, task.Action)
	assert.True(t, strings.HasPrefix(task.SourceImage, execution.DefaultURLPrefix))
	assert.Equal(t, "배경을 파란색으로 바꿔줘", task.Instruction)
	assert.Equal(t, "Make the background blue.", task.Prompt)
}

func TestSelectionWithoutImageAsksThenEditsLastResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	selection := pngBytes(t, 8, 8)

	reply, err := f.orch.HandleTurn(context.Background(), Turn{UserID: "anon_u1", Selection: selection})
	require.NoError(t, err)
	assert.Equal(t, "ask", reply.Meta.Decision)
	sid := reply.Meta.SessionID

	attached, err := f.orch.HandleTurn(context.Background(), Turn{
		SessionID: sid,
		UserID:    "anon_u1",
		Images:    []Upload{{Name: "src.png", Data: pngBytes(t, 8, 8)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "act", attached.Meta.Decision)

	task := f.exec.last(t)
	assert.Equal(t, selection, task.Mask)
	assert.Equal(t, dialog.DefaultEditInstruction, task.Instruction)
}

func TestExecutionFailureIsAnswered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.exec.fail = apperr.External(apperr.ReasonQuotaExceeded, "429", nil)

	reply := f.turn(t, "", "애니 스타일로 고양이 그려줘")
	assert.Equal(t, apperr.CodeExternalAPI, reply.Meta.ErrorCode)
	assert.Contains(t, reply.Text, "사용량")
	assert.Empty(t, reply.ImageRef)

	// The session is back to idle: a new request starts a new dialog.
	next := f.turn(t, reply.Meta.SessionID, "강아지 그려줘")
	assert.Equal(t, "ask", next.Meta.Decision)
}

func TestChatTurns(t *testing.T) {
	t.Parallel()

	t.Run("model reply", func(t *testing.T) {
		t.Parallel()
		chat := &stubChat{reply: "오늘은 맑아요."}
		f := newFixture(t, chat)
		first := f.turn(t, "", "안녕하세요")
		reply := f.turn(t, first.Meta.SessionID, "오늘 날씨 어때")
		assert.Equal(t, "오늘은 맑아요.", reply.Text)
		assert.Equal(t, "chat", reply.Meta.Decision)
		require.NotEmpty(t, chat.reqs)
		last := chat.reqs[len(chat.reqs)-1]
		assert.Contains(t, last.System, "4~5줄")
		assert.NotEmpty(t, last.History)
	})

	t.Run("canned without model", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		first := f.turn(t, "", "안녕하세요")
		reply := f.turn(t, first.Meta.SessionID, "오늘 날씨 어때")
		assert.Contains(t, reply.Text, "무엇을 도와드릴까요")
	})
}

func TestForeignSessionStartsNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	other, err := f.repo.CreateSession(ctx, "anon_other")
	require.NoError(t, err)

	reply := f.turn(t, other.ID, "안녕하세요")
	assert.NotEqual(t, other.ID, reply.Meta.SessionID)

	msgs, err := f.repo.ListMessages(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRejectsBadTurns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, Turn{Text: "hi"})
	assert.ErrorIs(t, err, ErrNoUser)

	_, err = f.orch.HandleTurn(ctx, Turn{UserID: "anon_u1", Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyTurn)

	_, err = f.orch.HandleTurn(ctx, Turn{UserID: "anon_u1", Text: "봐줘", Images: []Upload{{Name: "a.txt", Data: []byte("plain text")}}})
	assert.ErrorIs(t, err, ErrUnsupportedUpload)
}
