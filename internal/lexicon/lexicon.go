// Package lexicon loads the trigger phrases, slot vocabulary and quality
// hints used by the router and the dialog manager. The vocabulary is data,
// not code: the embedded default can be replaced with a YAML file.
package lexicon

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ashureev/carat-studio/internal/domain"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

var errEmptyPatternList = errors.New("empty pattern list")

// Matcher is a compiled alternation of patterns.
type Matcher struct {
	re *regexp.Regexp
}

// Match reports whether text contains any of the patterns.
func (m *Matcher) Match(text string) bool {
	if m == nil || m.re == nil {
		return false
	}
	return m.re.MatchString(text)
}

// Find returns the first matching substring, or "".
func (m *Matcher) Find(text string) string {
	if m == nil || m.re == nil {
		return ""
	}
	return m.re.FindString(text)
}

// SlotValue is one canonical value a slot can take.
type SlotValue struct {
	Value string
	Label string
	re    *regexp.Regexp
}

// Lexicon is the compiled vocabulary.
type Lexicon struct {
	Negation     *Matcher
	NoIntent     *Matcher
	Edit         *Matcher
	Variant      *Matcher
	GenerateNoun *Matcher
	GenerateVerb *Matcher
	Cancel       *Matcher
	ShortHello   *Matcher
	Prohibited   *Matcher

	slots           map[domain.SlotName][]SlotValue
	regenerateHints []string
}

type rawSlotValue struct {
	Value    string   `yaml:"value"`
	Label    string   `yaml:"label"`
	Patterns []string `yaml:"patterns"`
}

type rawLexicon struct {
	Intents struct {
		Negation     []string `yaml:"negation"`
		NoIntent     []string `yaml:"no_intent"`
		Edit         []string `yaml:"edit"`
		Variant      []string `yaml:"variant"`
		GenerateNoun []string `yaml:"generate_noun"`
		GenerateVerb []string `yaml:"generate_verb"`
		Cancel       []string `yaml:"cancel"`
		ShortHello   []string `yaml:"short_hello"`
		Prohibited   []string `yaml:"prohibited"`
	} `yaml:"intents"`
	Slots           map[string][]rawSlotValue `yaml:"slots"`
	RegenerateHints []string                  `yaml:"regenerate_hints"`
}

// Default returns the embedded lexicon.
func Default() (*Lexicon, error) {
	return Parse(defaultYAML)
}

// MustDefault is Default for package-level test fixtures.
func MustDefault() *Lexicon {
	lex, err := Default()
	if err != nil {
		panic("lexicon: invalid embedded default: " + err.Error())
	}
	return lex
}

// Load reads a lexicon file. An empty path selects the embedded default.
func Load(path string) (*Lexicon, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a YAML lexicon document. Unknown keys are rejected.
func Parse(data []byte) (*Lexicon, error) {
	var raw rawLexicon
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode lexicon: %w", err)
	}

	lex := &Lexicon{slots: make(map[domain.SlotName][]SlotValue)}
	matchers := []struct {
		name     string
		patterns []string
		dst      **Matcher
	}{
		{"negation", raw.Intents.Negation, &lex.Negation},
		{"no_intent", raw.Intents.NoIntent, &lex.NoIntent},
		{"edit", raw.Intents.Edit, &lex.Edit},
		{"variant", raw.Intents.Variant, &lex.Variant},
		{"generate_noun", raw.Intents.GenerateNoun, &lex.GenerateNoun},
		{"generate_verb", raw.Intents.GenerateVerb, &lex.GenerateVerb},
		{"cancel", raw.Intents.Cancel, &lex.Cancel},
		{"short_hello", raw.Intents.ShortHello, &lex.ShortHello},
		{"prohibited", raw.Intents.Prohibited, &lex.Prohibited},
	}
	for _, m := range matchers {
		re, err := compileAlternation(m.patterns)
		if err != nil {
			return nil, fmt.Errorf("intents.%s: %w", m.name, err)
		}
		*m.dst = &Matcher{re: re}
	}

	for name, values := range raw.Slots {
		slot := domain.SlotName(name)
		if !knownSlot(slot) {
			return nil, fmt.Errorf("slots: unknown slot %q", name)
		}
		for _, v := range values {
			if v.Value == "" {
				return nil, fmt.Errorf("slots.%s: value without name", name)
			}
			re, err := compileAlternation(v.Patterns)
			if err != nil {
				return nil, fmt.Errorf("slots.%s.%s: %w", name, v.Value, err)
			}
			label := v.Label
			if label == "" {
				label = v.Value
			}
			lex.slots[slot] = append(lex.slots[slot], SlotValue{Value: v.Value, Label: label, re: re})
		}
	}

	if n := len(raw.RegenerateHints); n < 2 || n > 3 {
		return nil, fmt.Errorf("regenerate_hints: want 2 or 3 hints, got %d", n)
	}
	lex.regenerateHints = append([]string(nil), raw.RegenerateHints...)

	return lex, nil
}

func compileAlternation(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, errEmptyPatternList
	}
	re, err := regexp.Compile(`(?i)(?:` + strings.Join(patterns, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile patterns: %w", err)
	}
	return re, nil
}

func knownSlot(name domain.SlotName) bool {
	for _, s := range domain.AllSlots {
		if s == name {
			return true
		}
	}
	return false
}

// Normalize returns text in NFC with surrounding space trimmed. Decomposed
// Hangul would otherwise never match the patterns.
func Normalize(text string) string {
	return strings.TrimSpace(norm.NFC.String(text))
}

// ExtractSlots returns the first matching value for every slot found in text.
func (l *Lexicon) ExtractSlots(text string) domain.Slots {
	out := domain.Slots{}
	for _, name := range domain.AllSlots {
		for _, v := range l.slots[name] {
			if v.re.MatchString(text) {
				out[name] = v.Value
				break
			}
		}
	}
	return out
}

// Label returns the Korean display label for a slot value, or the value itself.
func (l *Lexicon) Label(name domain.SlotName, value string) string {
	for _, v := range l.slots[name] {
		if v.Value == value {
			return v.Label
		}
	}
	return value
}

// Values returns the configured values of a slot.
func (l *Lexicon) Values(name domain.SlotName) []SlotValue {
	return l.slots[name]
}

// RegenerateHints returns a copy of the fixed quality hints.
func (l *Lexicon) RegenerateHints() []string {
	return append([]string(nil), l.regenerateHints...)
}
