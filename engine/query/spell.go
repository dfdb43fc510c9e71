package query

import (
	"context"
	"strings"
	"sync"

	"github.com/sajari/fuzzy"
)

// SpellChecker corrects a single lowercase word. Implementations return the
// word unchanged when they have no better suggestion.
type SpellChecker interface {
	Correct(ctx context.Context, word string) (string, error)
}

// NoSpell leaves every word as is.
type NoSpell struct{}

func (NoSpell) Correct(_ context.Context, word string) (string, error) { return word, nil }

// DefaultVocabulary seeds the fuzzy checker with the site vocabulary.
var DefaultVocabulary = []string{
	"cable", "resistor", "conduit", "brick", "excavator", "bulldozer", "crane",
	"digger", "backhoe", "dozer", "tower", "mobile", "masonry", "wire", "electrical",
	"construction", "scaffold", "concrete", "rebar", "foundation", "roof", "facade",
}

// FuzzySpeller corrects words against a trained vocabulary within a small
// edit distance.
type FuzzySpeller struct {
	mu    sync.RWMutex
	model *fuzzy.Model
}

// NewFuzzySpeller trains a model on vocabulary. Words are matched within
// edit distance depth.
func NewFuzzySpeller(vocabulary []string, depth int) *FuzzySpeller {
	if depth <= 0 {
		depth = 2
	}
	model := fuzzy.NewModel()
	model.SetThreshold(1)
	model.SetDepth(depth)
	model.SetUseAutocomplete(false)
	words := make([]string, 0, len(vocabulary))
	for _, w := range vocabulary {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	model.Train(words)
	return &FuzzySpeller{model: model}
}

// Learn adds words to the vocabulary.
func (s *FuzzySpeller) Learn(words ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			s.model.TrainWord(w)
		}
	}
}

func (s *FuzzySpeller) Correct(_ context.Context, word string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fixed := s.model.SpellCheck(word); fixed != "" {
		return fixed, nil
	}
	return word, nil
}
