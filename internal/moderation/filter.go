// Package moderation screens chat messages before they are persisted: a
// configurable keyword and phrase blocklist plus pattern checks for spam
// such as links, phone numbers and flooding.
package moderation

import (
	"slices"
	"strings"
	"unicode"
)

// Names of the available spam checks.
const (
	CheckURL       = "url"
	CheckPhone     = "phone"
	CheckCharFlood = "char_flood"
	CheckWordFlood = "word_flood"
)

// Config selects what the filter blocks.
type Config struct {
	BlockedTerms []string `koanf:"blocked_terms"`
	SpamChecks   []string `koanf:"spam_checks" validate:"dive,oneof=url phone char_flood word_flood"`
}

// DefaultConfig blocks repeated-word flooding only. Travellers share links
// and phone numbers, so those checks are opt-in.
func DefaultConfig() Config {
	return Config{SpamChecks: []string{CheckWordFlood}}
}

// Filter is safe for concurrent use once built.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	checks  []spamCheck
}

// NewFilter builds a filter from cfg. Unknown check names are ignored and
// enabled checks always run in the same order, whatever order cfg lists them.
func NewFilter(cfg Config) *Filter {
	f := newTermFilter(cfg.BlockedTerms)
	for _, sc := range allSpamChecks {
		if slices.Contains(cfg.SpamChecks, sc.name) {
			f.checks = append(f.checks, sc)
		}
	}
	return f
}

// NewFilterWithTerms builds a filter with the given blocklist and every
// spam check enabled.
func NewFilterWithTerms(terms []string) *Filter {
	f := newTermFilter(terms)
	f.checks = append(f.checks, allSpamChecks...)
	return f
}

func newTermFilter(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keyword hits take precedence over spam checks.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}

	tokens := tokenizePlain(text)
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: tok}
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: strings.Join(phrase, " ")}
		}
	}

	return f.checkSpamPatterns(text)
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsSequence(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
