package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ashureev/carat-studio/internal/domain"
	"github.com/ashureev/carat-studio/internal/lexicon"
	"github.com/ashureev/carat-studio/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
)

type fakeCompleter struct {
	reply string
	err   error
	calls atomic.Int32
	last  llm.Completion
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Completion) (string, error) {
	f.calls.Add(1)
	f.last = req
	return f.reply, f.err
}

func TestRuleStage(t *testing.T) {
	t.Parallel()

	lex := lexicon.MustDefault()
	tests := []struct {
		name   string
		text   string
		rc     RecentContext
		intent domain.Intent
		conf   float64
	}{
		{"verb and object", "고양이 그려줘", RecentContext{}, domain.IntentGenerate, confVerbObject},
		{"verb noun object with style", "고양이 일러스트 이미지 만들어줘", RecentContext{}, domain.IntentGenerate, maxRuleConfidence},
		{"verb and noun", "이미지 만들어줘", RecentContext{}, domain.IntentGenerate, confVerbNoun},
		{"object and noun", "강아지 사진", RecentContext{}, domain.IntentGenerate, confObjectNoun},
		{"bare verb", "그려줘", RecentContext{}, domain.IntentGenerate, confBareVerb},
		{"negated", "그림 말고 설명만 해줘", RecentContext{}, domain.IntentChat, confNegated},
		{"support", "이미지 태그가 깨짐", RecentContext{}, domain.IntentChat, confSupport},
		{"edit with upload", "배경 바꿔줘", RecentContext{HasImage: true}, domain.IntentEdit, confFileEdit},
		{"edit words only", "배경 바꿔줘", RecentContext{}, domain.IntentEdit, confEdit},
		{"nothing", "오늘 날씨 어때", RecentContext{}, domain.IntentChat, confNoSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classifyRules(lex, tt.text, tt.rc)
			assert.Equal(t, tt.intent, got.Intent)
			assert.InDelta(t, tt.conf, got.Confidence, 1e-9)
			assert.Equal(t, domain.SourceRule, got.Source)
		})
	}
}

func TestClassifyScenarioA(t *testing.T) {
	t.Parallel()

	model := &fakeCompleter{reply: `{"intent":"chat","confidence":0.99}`}
	r := New(lexicon.MustDefault(), model, DefaultThreshold, nil)

	got := r.Classify(context.Background(), "고양이 그려줘", RecentContext{})
	assert.Equal(t, domain.IntentGenerate, got.Intent)
	assert.Equal(t, "cat", got.Slots.Get(domain.SlotSubject))
	assert.False(t, got.Slots.Has(domain.SlotStyle))
	assert.Zero(t, model.calls.Load(), "confident rule result must skip the model")
}

func TestClassifyNormalizesInput(t *testing.T) {
	t.Parallel()

	r := New(lexicon.MustDefault(), nil, DefaultThreshold, nil)
	got := r.Classify(context.Background(), norm.NFD.String("고양이 그려줘"), RecentContext{})
	assert.Equal(t, domain.IntentGenerate, got.Intent)
	assert.Equal(t, "cat", got.Slots.Get(domain.SlotSubject))
}

func TestClassifyModelFallback(t *testing.T) {
	t.Parallel()

	model := &fakeCompleter{reply: `{"intent":"generate","confidence":0.85,"slots":{"subject":"dragon","style":""}}`}
	r := New(lexicon.MustDefault(), model, DefaultThreshold, nil)

	history := []domain.StoredMessage{{Role: domain.RoleUser, Content: "용 좋아해"}}
	got := r.Classify(context.Background(), "애니 스타일로 그려줘", RecentContext{History: history})

	require.EqualValues(t, 1, model.calls.Load())
	assert.True(t, model.last.JSON)
	assert.Len(t, model.last.History, 1)
	assert.Equal(t, domain.SourceModelFallback, got.Source)
	assert.Equal(t, "dragon", got.Slots.Get(domain.SlotSubject))
	assert.Equal(t, "anime", got.Slots.Get(domain.SlotStyle), "rule slots fill the winner's gaps")
}

func TestClassifyMalformedModelOutputKeepsRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{"not json", "GENERATE!", nil},
		{"unknown field", `{"intent":"generate","confidence":0.9,"why":"x"}`, nil},
		{"bad intent", `{"intent":"dance","confidence":0.9}`, nil},
		{"confidence out of range", `{"intent":"generate","confidence":1.5}`, nil},
		{"missing confidence", `{"intent":"generate"}`, nil},
		{"trailing", `{"intent":"generate","confidence":0.9} {}`, nil},
		{"call failed", "", errors.New("timeout")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			model := &fakeCompleter{reply: tt.reply, err: tt.err}
			r := New(lexicon.MustDefault(), model, DefaultThreshold, nil)

			got := r.Classify(context.Background(), "그려줘", RecentContext{})
			assert.Equal(t, domain.SourceRule, got.Source)
			assert.Equal(t, domain.IntentGenerate, got.Intent)
		})
	}
}

func TestPickTieGoesToRule(t *testing.T) {
	t.Parallel()

	rule := RuleResult{domain.Classification{Intent: domain.IntentGenerate, Confidence: 0.6, Source: domain.SourceRule}}
	model := &ModelResult{domain.Classification{Intent: domain.IntentChat, Confidence: 0.6, Source: domain.SourceModelFallback}}

	assert.Equal(t, domain.SourceRule, Pick(rule, model).Source)
	assert.Equal(t, domain.SourceRule, Pick(rule, nil).Source)

	model.Confidence = 0.61
	assert.Equal(t, domain.IntentChat, Pick(rule, model).Intent)
}

func TestParseModelOutputDropsUnknownSlots(t *testing.T) {
	t.Parallel()

	res, err := parseModelOutput(`{"intent":"EDIT","confidence":0.7,"slots":{"subject":"cat","colour":"red"}}`)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentEdit, res.Intent)
	assert.Equal(t, domain.Slots{domain.SlotSubject: "cat"}, res.Slots)
}

func TestLexiconChecks(t *testing.T) {
	t.Parallel()

	r := New(lexicon.MustDefault(), nil, 0, nil)
	assert.True(t, r.IsRegenerate("다른 버전 보여줘"))
	assert.False(t, r.IsRegenerate("고양이 그려줘"))
	assert.False(t, r.IsRegenerate("강아지로 다시 그려줘"))
	assert.True(t, r.IsCancel("취소할래"))
	assert.Equal(t, "cute", r.ExtractSlots("귀여운 느낌").Get(domain.SlotMood))
}
