package moderation

import (
	"testing"
)

func TestNewFilterWithTerms_SplitsWordsAndPhrases(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "  ", "Scam", "wire the money"})

	if _, ok := f.words["scam"]; !ok {
		t.Error("expected 'scam' in words set")
	}
	if len(f.words) != 1 {
		t.Errorf("expected 1 word, got %d", len(f.words))
	}
	if len(f.phrases) != 1 || len(f.phrases[0]) != 3 {
		t.Errorf("expected one 3-token phrase, got %v", f.phrases)
	}
}

func TestCheck_BlockedWord(t *testing.T) {
	f := NewFilterWithTerms([]string{"scam", "fraud"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact match", "scam", true, "scam"},
		{"in sentence", "this hostel is a scam honestly", true, "scam"},
		{"case insensitive", "FRAUD", true, "fraud"},
		{"with punctuation", "total fraud!", true, "fraud"},
		{"clean message", "see you at the station", false, ""},
		{"substring no block", "scampi for dinner", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.blocked && result.Reason != ReasonKeyword {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, ReasonKeyword)
			}
		})
	}
}

func TestCheck_BlockedPhrase(t *testing.T) {
	f := NewFilterWithTerms([]string{"wire the money"})

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"exact phrase", "wire the money", true},
		{"phrase in sentence", "just wire the money to me", true},
		{"punctuation between", "wire, the money", true},
		{"words separated", "wire all the money", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Check(tt.input).Blocked; got != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, got, tt.blocked)
			}
		})
	}
}

func TestNewFilter_DefaultConfig(t *testing.T) {
	f := NewFilter(DefaultConfig())

	allowed := []string{
		"book at https://hostel.example.com/",
		"call me on +1-555-123-4567",
		"sooooo excited",
	}
	for _, msg := range allowed {
		if r := f.Check(msg); r.Blocked {
			t.Errorf("Check(%q) blocked by %q, default config should allow it", msg, r.Term)
		}
	}

	if r := f.Check("join join join"); !r.Blocked || r.Term != CheckWordFlood {
		t.Errorf("expected word flood to be blocked, got %+v", r)
	}
}

func TestNewFilter_IgnoresUnknownChecks(t *testing.T) {
	f := NewFilter(Config{SpamChecks: []string{"nope", CheckURL}})
	if len(f.checks) != 1 {
		t.Fatalf("expected 1 check, got %d", len(f.checks))
	}
	if r := f.Check("see www.example.org"); !r.Blocked {
		t.Error("expected url to be blocked")
	}
}

func TestTokenizePlain(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"hello world", []string{"hello", "world"}},
		{"Hello, World!", []string{"hello", "world"}},
		{"  spaced  out  ", []string{"spaced", "out"}},
		{"", nil},
		{"hello---world", []string{"hello", "world"}},
		{"café 24h", []string{"café", "24h"}},
	}

	for _, tt := range tests {
		got := tokenizePlain(tt.input)
		if len(got) != len(tt.want) {
			t.Errorf("tokenizePlain(%q) = %v, want %v", tt.input, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tokenizePlain(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
			}
		}
	}
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilterWithTerms([]string{"scam", "wire the money"})
	msg := "hey, are you still up for the hike tomorrow? meet at the trailhead at 7"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
