// Package onboarding greets first-time visitors and captures their name.
package onboarding

import (
	"fmt"
	"regexp"

	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/ashureev/carat-studio/internal/session"
)

const (
	// Greeting is sent on first contact.
	Greeting = "안녕하세요! 저는 **캐럿(Carat)**이에요. 🌟\n" +
		"다양한 질문에 답변드리고, 이미지를 만들거나 편집하는 등 여러 가지 도움을 드릴 수 있어요.\n" +
		"혹시 성함이 어떻게 되시나요? 앞으로 더 개인화된 서비스를 제공하기 위해 기억해두겠습니다! 😊"

	// ShortHello answers a bare greeting.
	ShortHello = "안녕하세요! 무엇을 도와드릴까요? 😊"

	// DeferredNameAsk is appended once to the first result when onboarding
	// was skipped for an image request.
	DeferredNameAsk = "(참, 더 개인화해서 도와드리려면 성함도 알려주실래요? 😊)"
)

// Action is what onboarding decided for a turn.
type Action int

const (
	// ActionNone lets the turn continue normally.
	ActionNone Action = iota
	// ActionGreet replies with Greeting.
	ActionGreet
	// ActionNameCaptured replies with a welcome; Result.Name is set.
	ActionNameCaptured
	// ActionShortHello replies to a bare greeting.
	ActionShortHello
	// ActionDefer lets the turn continue; DeferredNameAsk should follow
	// the reply.
	ActionDefer
)

// Result is the outcome of Handle.
type Result struct {
	Action Action
	Reply  string
	Name   string
}

// Replied reports whether onboarding answered the turn itself.
func (r Result) Replied() bool {
	return r.Reply != ""
}

var excluded = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"안녕", "안녕하세요", "졸려", "피곤", "대화", "생성", "편집", "사진", "이미지",
		"강아지", "고양이", "셰퍼드", "풍경", "만화", "실사", "앉아", "서있",
		"지키", "공원", "거리", "하루", "오늘", "어떤", "무엇", "도와", "필요",
		"원해", "만들", "그려", "그림", "학생", "직장인", "네", "아니", "감사", "고마워",
		"좋아", "좋아요", "괜찮아", "뭐해", "배고파", "반가워", "하이", "헬로",
		"그래", "알겠어", "고마워요", "감사해요", "몰라", "싫어",
	} {
		excluded[w] = struct{}{}
	}
}

var (
	statedName = []*regexp.Regexp{
		regexp.MustCompile(`(?:저는|제\s*이름은|내\s*이름은)\s*([가-힣]{2,4}?)(?:입니다|이에요|예요|이야|야|요)?\s*[.!~]*\s*$`),
		regexp.MustCompile(`^\s*([가-힣]{2,4}?)(?:입니다|이에요|예요)\s*[.!~]*\s*$`),
	}
	bareName = regexp.MustCompile(`^\s*([가-힣]{2,4})\s*[.!~]*\s*$`)
)

// ExtractName returns a Korean name stated in text, or "". A bare 2-4
// syllable word only counts when the name was asked for.
func ExtractName(text string, asked bool) string {
	text = lexicon.Normalize(text)
	patterns := statedName
	if asked {
		patterns = append(patterns[:len(patterns):len(patterns)], bareName)
	}
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if _, skip := excluded[m[1]]; !skip {
			return m[1]
		}
	}
	return ""
}

// Service runs onboarding.
type Service struct {
	lex *lexicon.Lexicon
}

// NewService creates a Service.
func NewService(lex *lexicon.Lexicon) *Service {
	return &Service{lex: lex}
}

// Handle inspects a turn before routing. historyLen is the number of
// persisted messages in the session; imageRequest reports whether the turn
// already reads as an image request. Handle updates sc's onboarding flags.
func (s *Service) Handle(sc *session.Context, text string, historyLen int, imageRequest bool) Result {
	normalized := lexicon.Normalize(text)
	if sc.UserName == "" && !imageRequest {
		if name := ExtractName(normalized, sc.Greeted || sc.NameAsked); name != "" {
			sc.UserName = name
			sc.Greeted = true
			return Result{Action: ActionNameCaptured, Name: name, Reply: welcome(name)}
		}
	}

	if !sc.Greeted && historyLen == 0 {
		sc.Greeted = true
		if imageRequest {
			sc.NameAskOwed = true
			return Result{Action: ActionDefer}
		}
		return Result{Action: ActionGreet, Reply: Greeting}
	}

	if s.lex.ShortHello.Match(normalized) {
		if sc.UserName != "" {
			return Result{Action: ActionShortHello, Reply: fmt.Sprintf("안녕하세요, %s님! 무엇을 도와드릴까요? 😊", sc.UserName)}
		}
		return Result{Action: ActionShortHello, Reply: ShortHello}
	}
	return Result{Action: ActionNone}
}

// ShouldAskName reports whether a deferred name ask is still owed, and
// marks it as asked. It is called after the deferred task's result, which
// may come several turns later when the task needed a clarification.
func ShouldAskName(sc *session.Context) bool {
	if !sc.NameAskOwed || sc.UserName != "" || sc.NameAsked {
		return false
	}
	sc.NameAskOwed = false
	sc.NameAsked = true
	return true
}

func welcome(name string) string {
	return fmt.Sprintf("안녕하세요, %s님! 😊 만나서 반가워요!\n", name) +
		"오늘 어떤 도움이 필요하신가요?\n" +
		"• 궁금한 것이 있으시면 언제든 물어보세요\n" +
		"• 이미지를 만들거나 편집하고 싶으시다면 도와드릴게요\n" +
		"• 그냥 편하게 대화를 나누고 싶으시다면 그것도 좋아요!\n" +
		"무엇을 도와드릴까요? ✨"
}
