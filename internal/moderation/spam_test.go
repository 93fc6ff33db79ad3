package moderation

import "testing"

// onlyCheck builds a filter with a single spam check and no blocked terms.
func onlyCheck(name string) *Filter {
	return NewFilter(Config{SpamChecks: []string{name}})
}

// ---------------------------------------------------------------------------
// Default policy
// ---------------------------------------------------------------------------

func TestDefaultConfig_TravelChatPassesThrough(t *testing.T) {
	f := NewFilter(DefaultConfig())

	msgs := []string{
		"Hostel is booked: https://www.hostelworld.com/lisbon-central",
		"the ferry timetable is on transtejo.pt/horarios",
		"my number in Portugal is +351 912 345 678",
		"call the guesthouse (555) 123-4567 if we're late",
		"train 4021 leaves from platform 7 at 08:15",
		"aaaaah the view from Miradouro da Senhora do Monte!!!!!",
		"tickets are 12.50 each, v2.0 of the itinerary is pinned",
		"bring bring sunscreen",
	}
	for _, msg := range msgs {
		if r := f.Check(msg); r.Blocked {
			t.Errorf("Check(%q) blocked by %s/%s, want allowed", msg, r.Reason, r.Term)
		}
	}
}

func TestDefaultConfig_BlocksWordFlood(t *testing.T) {
	f := NewFilter(DefaultConfig())

	for _, msg := range []string{
		"join join join my tour",
		"CHEAP cheap Cheap flights",
		"free free free free",
	} {
		r := f.Check(msg)
		if !r.Blocked || r.Reason != ReasonSpam || r.Term != CheckWordFlood {
			t.Errorf("Check(%q) = %+v, want word_flood spam", msg, r)
		}
	}
}

// ---------------------------------------------------------------------------
// Opt-in checks
// ---------------------------------------------------------------------------

func TestCheckSelection(t *testing.T) {
	tests := []struct {
		check   string
		blocked []string
		allowed []string
	}{
		{
			check: CheckURL,
			blocked: []string{
				"cheap rooms at http://rooms.example",
				"see www.porto-tours.net for details",
				"book via bestdeals.xyz/lisbon",
			},
			allowed: []string{
				"meet at the Time Out market",
				"the museum opens at 10.30",
				"version 2.1 of the packing list",
			},
		},
		{
			check: CheckPhone,
			blocked: []string{
				"+351 912 345 678",
				"text me 555.123.4567 tonight",
				"(21) 3456-7890",
			},
			allowed: []string{
				"bus 728 to Belém",
				"we are 4 people, 2 rooms",
				"gate B12 at 14:05",
			},
		},
		{
			check: CheckCharFlood,
			blocked: []string{
				"yessssss we made it",
				"wow!!!!!",
			},
			allowed: []string{
				"see you soon",
				"cool!!!!",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.check, func(t *testing.T) {
			f := onlyCheck(tt.check)
			for _, msg := range tt.blocked {
				if r := f.Check(msg); !r.Blocked || r.Term != tt.check {
					t.Errorf("Check(%q) = %+v, want %s", msg, r, tt.check)
				}
			}
			for _, msg := range tt.allowed {
				if r := f.Check(msg); r.Blocked {
					t.Errorf("Check(%q) blocked by %s", msg, r.Term)
				}
			}
		})
	}
}

func TestCheckOrder_FirstEnabledWins(t *testing.T) {
	msg := "call call call +351 912 345 678 or www.example.com"

	f := NewFilter(Config{SpamChecks: []string{CheckWordFlood, CheckPhone, CheckURL}})
	if r := f.Check(msg); r.Term != CheckURL {
		t.Errorf("Term = %q, want url: checks run in fixed order regardless of config order", r.Term)
	}

	f = NewFilter(Config{SpamChecks: []string{CheckWordFlood, CheckPhone}})
	if r := f.Check(msg); r.Term != CheckPhone {
		t.Errorf("Term = %q, want phone", r.Term)
	}
}

func TestBlockedTermBeatsSpamCheck(t *testing.T) {
	f := NewFilter(Config{
		BlockedTerms: []string{"wire the money"},
		SpamChecks:   []string{CheckURL},
	})
	r := f.Check("wire the money via https://pay.example.com/x")
	if r.Reason != ReasonKeyword || r.Term != "wire the money" {
		t.Errorf("Check() = %+v, want the blocked phrase", r)
	}
}

func TestNoChecksConfigured(t *testing.T) {
	f := NewFilter(Config{})
	for _, msg := range []string{"go go go go", "zzzzzzzz", "www.example.com"} {
		if r := f.Check(msg); r.Blocked {
			t.Errorf("Check(%q) blocked with no checks configured", msg)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestLongestRun(t *testing.T) {
	if got := longestRun([]rune("")); got != 0 {
		t.Errorf("empty = %d, want 0", got)
	}
	if got := longestRun([]rune("abccccd")); got != 4 {
		t.Errorf("abccccd = %d, want 4", got)
	}
	if got := longestRun([]string{"go", "go", "now", "go"}); got != 2 {
		t.Errorf("words = %d, want 2", got)
	}
}
