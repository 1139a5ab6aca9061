package dialog

import (
	"fmt"
	"strings"

	"github.com/ashureev/carat-studio/internal/domain"
)

const (
	attachImageReply         = "편집할 이미지를 찾지 못했어요. 수정하고 싶은 이미지를 첨부해서 다시 말씀해 주세요! 🖼️"
	cancelReply              = "알겠어요, 요청을 취소했어요. 다른 것이 필요하시면 언제든 말씀해 주세요! 😊"
	nothingToRegenerateReply = "아직 다시 만들 이미지가 없어요. 먼저 어떤 이미지를 만들지 알려주세요! 🎨"
)

// BuildPrompt renders the English generation prompt. All slots must be set.
func BuildPrompt(s domain.Slots) string {
	return fmt.Sprintf("A %s style %s in %s, %s, %s mood, high quality",
		s.Get(domain.SlotStyle),
		s.Get(domain.SlotSubject),
		s.Get(domain.SlotBackground),
		s.Get(domain.SlotPose),
		s.Get(domain.SlotMood),
	)
}

const hintSeparator = "; "

// AugmentPrompt appends hints to prompt. Hints already present from a
// previous call are stripped first, so repeated calls never compound.
func AugmentPrompt(prompt string, hints []string) string {
	if len(hints) == 0 {
		return prompt
	}
	suffix := hintSeparator + strings.Join(hints, ", ")
	base := prompt
	for strings.HasSuffix(base, suffix) {
		base = strings.TrimSuffix(base, suffix)
	}
	return base + suffix
}

func (m *Manager) generateQuestion(userName string, slots domain.Slots, missing []domain.SlotName) string {
	obj := "이미지"
	if slots.Has(domain.SlotSubject) {
		obj = m.lex.Label(domain.SlotSubject, slots.Get(domain.SlotSubject))
	}
	adj := "귀여운"
	if slots.Has(domain.SlotMood) {
		adj = m.lex.Label(domain.SlotMood, slots.Get(domain.SlotMood))
	}

	var b strings.Builder
	if userName != "" {
		fmt.Fprintf(&b, "안녕하세요 %s님! ", userName)
	} else {
		b.WriteString("안녕하세요! ")
	}
	fmt.Fprintf(&b, "%s %s 사진을 만들어드릴게요. 🎨\n", adj, obj)

	if containsSlot(missing, domain.SlotSubject) {
		b.WriteString("어떤 대상을 그려드릴까요? (예: 고양이, 강아지, 풍경, 캐릭터 등)\n")
	}
	if containsSlot(missing, domain.SlotStyle) {
		fmt.Fprintf(&b, "어떤 스타일의 %s 사진을 원하시나요? 예를 들어:\n\n", obj)
		fmt.Fprintf(&b, "• 실사 스타일의 %s %s\n", adj, obj)
		b.WriteString("• 만화/애니메이션 스타일\n")
		b.WriteString("• 일러스트 스타일\n\n")
	}
	if !slots.Has(domain.SlotPose) {
		fmt.Fprintf(&b, "또한 %s가 어떤 상황이나 포즈를 취하면 좋을지도 알려주세요!\n", obj)
		b.WriteString("(예: 앉아있는, 장난감과 놀기, 잠자는 등)\n\n")
	}
	b.WriteString("더 구체적으로 알려주시면 원하는 느낌을 정확히 만들어드릴게요! ✨")
	return b.String()
}

func editQuestion(userName string) string {
	prefix := "좋아요! "
	if userName != "" {
		prefix = fmt.Sprintf("좋아요, %s님! ", userName)
	}
	return prefix + "어떤 이미지를 수정할까요? 수정할 이미지를 첨부해 주세요. " +
		"특정 부분만 바꾸고 싶으시면 그 영역을 칠해서 함께 보내주세요. 🖌️"
}

func containsSlot(names []domain.SlotName, want domain.SlotName) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// ResultReply is the Korean summary sent with a finished image.
func (m *Manager) ResultReply(task *domain.Task) string {
	switch task.Action {
	case domain.ActionEdit:
		return "요청하신 대로 이미지를 수정했어요! ✨\n마음에 들지 않으면 다시 수정하거나 다른 버전을 요청해 주세요."
	case domain.ActionRegenerate:
		return "다른 버전을 만들어봤어요! 🎨✨\n조명과 구도를 조금 더 다듬었어요. 마음에 드시나요?"
	}

	s := task.Slots
	label := func(name domain.SlotName) string { return m.lex.Label(name, s.Get(name)) }
	style, obj, mood := label(domain.SlotStyle), label(domain.SlotSubject), label(domain.SlotMood)

	var b strings.Builder
	b.WriteString("완성되었어요! 🎨✨\n")
	fmt.Fprintf(&b, "%s %s 스타일의 %s 사진입니다.\n", mood, style, obj)
	fmt.Fprintf(&b, "• %s 분위기\n", mood)
	fmt.Fprintf(&b, "• %s 스타일\n", style)
	fmt.Fprintf(&b, "• %s\n", label(domain.SlotPose))
	fmt.Fprintf(&b, "• %s", label(domain.SlotBackground))
	return b.String()
}
